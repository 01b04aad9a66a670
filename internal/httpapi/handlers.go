package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"call-broker/internal/calls"
	"call-broker/internal/provider"
	"call-broker/internal/sessions"
	"call-broker/internal/storage"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth  *sessions.Authenticator
	Calls *calls.Service
	Store *storage.Router

	// CallURLTTL bounds newly issued call-url tokens.
	CallURLTTL time.Duration
}

// --- Sessions ---

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// CreateSession mints a session, optionally bound to a user identity so
// calls placed to that identity reach it. The seed is handed to the client
// exactly once; only derived, pseudonymized material is stored.
func (h Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	seed, creds, err := h.Auth.Create(c.Request.Context(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_token": seed,
		"session_id":    creds.SessionID,
	})
}

// DeleteSession logs the presented session out.
func (h Handlers) DeleteSession(c *gin.Context) {
	sessionID := sessionIDFrom(c)
	if sessionID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}
	if err := h.Auth.Logout(c.Request.Context(), sessionID); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Push registration ---

type registrationRequest struct {
	SimplePushURL string `json:"simple_push_url"`
}

// Register stores a device push endpoint for the authenticated user.
func (h Handlers) Register(c *gin.Context) {
	userMac := UserMac(c)
	var req registrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !validPushURL(req.SimplePushURL) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "simple_push_url should be a valid http(s) url"})
		return
	}
	if err := h.Store.AddSimplePushURL(c.Request.Context(), userMac, req.SimplePushURL); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.Status(http.StatusOK)
}

// Unregister removes every push endpoint of the authenticated user.
func (h Handlers) Unregister(c *gin.Context) {
	userMac := UserMac(c)
	if err := h.Store.RemoveSimplePushURLs(c.Request.Context(), userMac); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Call URLs ---

type callURLRequest struct {
	CallerID  string `json:"caller_id,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// CreateCallURL issues a durable call-url token the user can hand out.
func (h Handlers) CreateCallURL(c *gin.Context) {
	userMac := UserMac(c)
	var req callURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ttl := h.CallURLTTL
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 || d > h.CallURLTTL {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid expires_in"})
			return
		}
		ttl = d
	}
	rec := storage.CallURL{
		Token:     uuid.NewString(),
		UserMac:   userMac,
		CallerID:  req.CallerID,
		Issuer:    req.Issuer,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := h.Store.AddCallURL(c.Request.Context(), rec); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      rec.Token,
		"expires_at": rec.ExpiresAt,
	})
}

// ListCallURLs returns the authenticated user's call-url tokens.
func (h Handlers) ListCallURLs(c *gin.Context) {
	list, err := h.Store.ListUserCallURLs(c.Request.Context(), UserMac(c))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_urls": list})
}

// RevokeCallURL invalidates one of the user's own call-url tokens.
func (h Handlers) RevokeCallURL(c *gin.Context) {
	token := c.Param("token")
	rec, err := h.Store.GetCallURL(c.Request.Context(), token)
	if errors.Is(err, storage.ErrCallURLNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call url not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	if rec.UserMac != UserMac(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not your call url"})
		return
	}
	if err := h.Store.RevokeCallURL(c.Request.Context(), token); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Calls ---

type placeCallRequest struct {
	CalleeID string `json:"callee_id"`
	CallType string `json:"call_type"`
	Subject  string `json:"subject,omitempty"`
}

// PlaceCall provisions a provider session and announces a call to the
// callee. The caller-side provider token appears in this response and
// nowhere else, ever.
func (h Handlers) PlaceCall(c *gin.Context) {
	userMac := UserMac(c)
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CalleeID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callee_id required"})
		return
	}
	callType, err := calls.ParseCallType(req.CallType)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	calleeMac, err := h.Auth.UserMAC(req.CalleeID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}

	created, err := h.Calls.PlaceCall(c.Request.Context(), calleeMac, calls.CallParams{
		CallerID: userMac,
		CallType: callType,
		Subject:  req.Subject,
	})
	if err != nil {
		h.placeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, placedCallResponse(created, created.Call.WSCallerToken))
}

// PlaceCallByToken places a call to the owner of a call-url token; no
// session is required, the token itself is the authorization.
func (h Handlers) PlaceCallByToken(c *gin.Context) {
	token := c.Param("token")
	rec, err := h.Store.GetCallURL(c.Request.Context(), token)
	if errors.Is(err, storage.ErrCallURLNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call url not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}

	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	callType, err := calls.ParseCallType(req.CallType)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.Calls.PlaceCall(c.Request.Context(), rec.UserMac, calls.CallParams{
		CallerID:  rec.CallerID,
		CallType:  callType,
		Subject:   req.Subject,
		CallToken: token,
	})
	if err != nil {
		h.placeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, placedCallResponse(created, created.Call.WSCallerToken))
}

// ListCalls returns the authenticated user's pending incoming calls, oldest
// first.
func (h Handlers) ListCalls(c *gin.Context) {
	list, err := h.Calls.ListPendingCalls(c.Request.Context(), UserMac(c))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, call := range list {
		out = append(out, gin.H{
			"call_id":      call.CallID,
			"caller_id":    call.CallerID,
			"call_type":    call.CallType,
			"subject":      call.Subject,
			"session_id":   call.SessionID,
			"api_key":      call.APIKey,
			"callee_token": call.CalleeToken,
			"ws_token":     call.WSCalleeToken,
			"timestamp":    call.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

// GetCallState reports the current lifecycle state of a call.
func (h Handlers) GetCallState(c *gin.Context) {
	state, err := h.Calls.GetState(c.Request.Context(), c.Param("call_id"))
	if errors.Is(err, calls.ErrCallNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

type callEventRequest struct {
	Event  string `json:"event"`
	Role   string `json:"role,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PostCallEvent applies a lifecycle event over HTTP. Illegal transitions
// come back as 400 with the state machine's own message, same text a
// signaling client would see.
func (h Handlers) PostCallEvent(c *gin.Context) {
	callID := c.Param("call_id")
	var req callEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	event, err := calls.ParseEvent(req.Event)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := calls.RoleCaller
	if req.Role == string(calls.RoleCallee) {
		role = calls.RoleCallee
	}

	state, err := h.Calls.Transition(c.Request.Context(), callID, role, event, req.Reason)
	var illegal *calls.IllegalTransitionError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"state": state})
	case errors.As(err, &illegal):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": illegal.Error()})
	case errors.Is(err, calls.ErrInvalidReason):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid reason: should be alphanumeric"})
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
	}
}

// --- Health ---

// Health pings both storage backends, volatile first.
func (h Handlers) Health(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) placeCallError(c *gin.Context, err error) {
	if errors.Is(err, provider.ErrUnavailable) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session provider unavailable"})
		return
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
}

func placedCallResponse(created calls.CreatedCall, wsToken string) gin.H {
	call := created.Call
	return gin.H{
		"call_id":      call.CallID,
		"session_id":   call.SessionID,
		"api_key":      call.APIKey,
		"session_token": created.CallerToken,
		"ws_token":     wsToken,
		"progress_url": "/progress",
	}
}

func validPushURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
