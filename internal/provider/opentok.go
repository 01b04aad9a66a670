package provider

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultBaseURL = "https://api.opentok.com"

// OpenTok talks to the OpenTok REST API. Session creation authenticates
// with a short-lived project JWT; participant tokens are signed locally with
// the API secret.
type OpenTok struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
}

// OpenTokConfig carries the provider credentials and HTTP tuning.
type OpenTokConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

func NewOpenTok(cfg OpenTokConfig) (*OpenTok, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("provider: opentok api key and secret are required")
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenTok{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		baseURL:   base,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (o *OpenTok) Name() string { return "opentok" }

// projectJWT mints the X-OPENTOK-AUTH header value.
func (o *OpenTok) projectJWT(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": o.apiKey,
		"ist": "project",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(o.apiSecret))
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession provisions a new relayed media session.
func (o *OpenTok) CreateSession(ctx context.Context) (Session, error) {
	form := url.Values{}
	form.Set("p2p.preference", "enabled")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/session/create", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}
	auth, err := o.projectJWT(time.Now())
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("X-OPENTOK-AUTH", auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Session{}, fmt.Errorf("provider: session create returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sessions []sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return Session{}, fmt.Errorf("provider: malformed session response: %w", err)
	}
	if len(sessions) == 0 || sessions[0].SessionID == "" {
		return Session{}, errors.New("provider: empty session response")
	}
	return Session{SessionID: sessions[0].SessionID, APIKey: o.apiKey}, nil
}

// GenerateToken produces a T1-format participant token bound to sessionID.
// The token embeds an HMAC-SHA1 signature over its own data string, keyed by
// the API secret, so the provider can verify it without a round trip.
func (o *OpenTok) GenerateToken(sessionID string, opts TokenOptions) (string, error) {
	if sessionID == "" {
		return "", errors.New("provider: session id is required")
	}
	role := opts.Role
	if role == "" {
		role = RolePublisher
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	data := url.Values{}
	data.Set("session_id", sessionID)
	data.Set("create_time", fmt.Sprintf("%d", time.Now().Unix()))
	data.Set("nonce", hex.EncodeToString(nonce))
	data.Set("role", string(role))
	if !opts.ExpireTime.IsZero() {
		data.Set("expire_time", fmt.Sprintf("%d", opts.ExpireTime.Unix()))
	}
	dataString := data.Encode()

	mac := hmac.New(sha1.New, []byte(o.apiSecret))
	mac.Write([]byte(dataString))
	sig := hex.EncodeToString(mac.Sum(nil))

	inner := fmt.Sprintf("partner_id=%s&sig=%s:%s", o.apiKey, sig, dataString)
	return "T1==" + base64.StdEncoding.EncodeToString([]byte(inner)), nil
}

// HealthCheck verifies the provider endpoint is reachable.
func (o *OpenTok) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("provider: health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
