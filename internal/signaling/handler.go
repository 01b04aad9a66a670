package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"call-broker/internal/calls"
	"call-broker/internal/pubsub"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 32

	defaultRingingDuration    = 30 * time.Second
	defaultConnectionDuration = 60 * time.Second
)

// Timers bound how long a call may sit in an intermediate state before the
// server force-terminates it with reason "timeout".
type Timers struct {
	// Ringing bounds alerting: the callee attached but never accepted.
	Ringing time.Duration
	// Connection bounds connecting/half-connected: accepted but media
	// never came up on both sides.
	Connection time.Duration
}

// HandlerOptions wires the signaling handler dependencies.
type HandlerOptions struct {
	Calls  *calls.Service
	Bus    pubsub.Bus
	Log    *slog.Logger
	Timers Timers
}

// Handler upgrades progress-endpoint requests to WebSocket connections and
// runs the signaling protocol on each.
type Handler struct {
	calls  *calls.Service
	bus    pubsub.Bus
	log    *slog.Logger
	timers Timers

	upgrader websocket.Upgrader
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Calls == nil {
		return nil, errors.New("signaling: call service is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("signaling: bus is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	timers := opts.Timers
	if timers.Ringing <= 0 {
		timers.Ringing = defaultRingingDuration
	}
	if timers.Connection <= 0 {
		timers.Connection = defaultConnectionDuration
	}
	return &Handler{
		calls:  opts.Calls,
		bus:    opts.Bus,
		log:    log,
		timers: timers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Progress is the WebSocket endpoint. The request blocks for the lifetime
// of the connection.
func (h *Handler) Progress(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	s := &session{
		h:    h,
		conn: ws,
		send: make(chan []byte, sendQueueSize),
	}
	go s.writePump()
	s.readPump(c.Request.Context())
}

// session is the per-connection protocol state. Everything mutable is
// guarded by mu: the read loop, the bus subscription and the timeout
// actuators all touch it.
type session struct {
	h    *Handler
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	closed        bool
	callID        string
	role          calls.Role
	receivedState calls.State
	sub           pubsub.Subscription
}

func (s *session) readPump(ctx context.Context) {
	defer s.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.handle(ctx, data) {
			return
		}
	}
}

// writePump serializes all outbound frames. It owns the connection's write
// side; once send is closed it drains the queue and closes the transport.
func (s *session) writePump() {
	defer s.conn.Close()
	for data := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// enqueue queues one outbound frame without blocking. A consumer that
// cannot keep up loses frames rather than stalling the bus or the read
// loop; a missed progress is recoverable by re-polling state.
func (s *session) enqueue(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- frame:
	default:
		s.h.log.Warn("signaling send queue full, dropping frame", "call_id", s.callID)
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		// Unsubscribe can block on the subscription's delivery pump, and
		// close may be reached from inside a bus handler.
		go sub.Unsubscribe()
	}
	close(s.send)
}

// handle dispatches one inbound frame. It returns false when the
// connection must be torn down.
func (s *session) handle(ctx context.Context, data []byte) bool {
	msg, err := DecodeInbound(data)
	if err != nil {
		var unknown *UnknownMessageTypeError
		if errors.As(err, &unknown) {
			s.enqueue(encodeError("unknown messageType"))
		} else {
			s.enqueue(encodeError("malformed message"))
		}
		return false
	}

	switch m := msg.(type) {
	case Hello:
		return s.handleHello(ctx, m)
	case Action:
		return s.handleAction(ctx, m)
	case Echo:
		s.enqueue(encodeEcho(m.Echo))
		return true
	}
	return false
}

// handleHello authenticates the connection against the call's signaling
// tokens, replies with a point-in-time state snapshot, subscribes to the
// call's channel, and records that this side attached.
func (s *session) handleHello(ctx context.Context, m Hello) bool {
	if m.CallID == "" || m.Auth == "" {
		s.enqueue(encodeError("missing parameters: callId, auth"))
		return false
	}

	s.mu.Lock()
	attached := s.callID != ""
	s.mu.Unlock()
	if attached {
		s.enqueue(encodeError("already attached to a call"))
		return true
	}

	call, err := s.h.calls.GetCall(ctx, m.CallID)
	if errors.Is(err, calls.ErrCallNotFound) {
		s.enqueue(encodeError("bad callId"))
		return false
	}
	if err != nil {
		return s.serviceUnavailable(err)
	}

	var role calls.Role
	switch m.Auth {
	case call.WSCalleeToken:
		role = calls.RoleCallee
	case call.WSCallerToken:
		role = calls.RoleCaller
	default:
		s.enqueue(encodeError("bad authentication"))
		return false
	}

	// Subscribe before reading the snapshot so a transition racing this
	// hello cannot fall between snapshot and subscription.
	sub, err := s.h.bus.Subscribe(ctx, m.CallID, s.onBroadcast)
	if err != nil {
		return s.serviceUnavailable(err)
	}

	state, err := s.h.calls.GetState(ctx, m.CallID)
	if err != nil {
		sub.Unsubscribe()
		if errors.Is(err, calls.ErrCallNotFound) {
			s.enqueue(encodeError("bad callId"))
			return false
		}
		return s.serviceUnavailable(err)
	}

	s.mu.Lock()
	s.callID = m.CallID
	s.role = role
	s.sub = sub
	s.receivedState = state
	s.mu.Unlock()

	// half-initiated is internal bookkeeping; clients see init.
	helloState := state
	if helloState == calls.StateHalfInitiated {
		helloState = calls.StateInit
	}
	s.enqueue(encodeHello(string(helloState)))

	s.scheduleSetupTimeout(ctx, m.CallID)

	if state == calls.StateInit || state == calls.StateHalfInitiated {
		if _, err := s.h.calls.Join(ctx, m.CallID, role); err != nil {
			return s.serviceUnavailable(err)
		}
		if role == calls.RoleCallee {
			s.h.scheduleRingingTimeout(m.CallID)
		}
	}
	return true
}

// handleAction validates and applies a lifecycle event. Client-level
// protocol errors keep the connection open; internal errors close it.
func (s *session) handleAction(ctx context.Context, m Action) bool {
	s.mu.Lock()
	callID, role := s.callID, s.role
	s.mu.Unlock()
	if callID == "" {
		s.enqueue(encodeError("hello must precede action"))
		return false
	}

	event, err := calls.ParseEvent(m.Event)
	if err != nil {
		s.enqueue(encodeError(err.Error()))
		return true
	}

	_, err = s.h.calls.Transition(ctx, callID, role, event, m.Reason)
	switch {
	case err == nil:
		// The resulting progress message arrives through the bus
		// subscription, same as for every other attached connection.
		if event == calls.EventAccept {
			s.h.scheduleConnectionTimeout(callID)
		}
		return true
	case errors.Is(err, calls.ErrInvalidReason):
		s.enqueue(encodeError("invalid reason: should be alphanumeric"))
		return true
	default:
		var illegal *calls.IllegalTransitionError
		if errors.As(err, &illegal) {
			s.enqueue(encodeError(illegal.Error()))
			return true
		}
		return s.serviceUnavailable(err)
	}
}

// onBroadcast receives (state[:reason]) messages for the attached call and
// forwards each distinct state once. terminated and connected are final for
// signaling purposes: the connection is closed after relaying them.
func (s *session) onBroadcast(channel, message string) {
	state, reason, _ := strings.Cut(message, ":")

	s.mu.Lock()
	if s.closed || channel != s.callID || calls.State(state) == s.receivedState {
		s.mu.Unlock()
		return
	}
	s.receivedState = calls.State(state)
	s.mu.Unlock()

	s.enqueue(encodeProgress(state, reason))

	if state == string(calls.StateTerminated) || state == string(calls.StateConnected) {
		s.close()
	}
}

func (s *session) serviceUnavailable(err error) bool {
	s.h.log.Error("signaling internal error", "err", err)
	s.enqueue(encodeError("service unavailable"))
	return false
}

// scheduleSetupTimeout arms the supervisory deadline: if the state record's
// TTL elapses and the parties never got past setup, the call times out.
func (s *session) scheduleSetupTimeout(ctx context.Context, callID string) {
	ttl, err := s.h.calls.GetStateTTL(ctx, callID)
	if err != nil || ttl <= 0 {
		return
	}
	s.h.terminateUnless(callID, ttl, func(st calls.State) bool {
		return st != calls.StateInit && st != calls.StateHalfInitiated
	})
}

// scheduleRingingTimeout gives the callee a bounded window to accept.
func (h *Handler) scheduleRingingTimeout(callID string) {
	h.terminateUnless(callID, h.timers.Ringing, func(st calls.State) bool {
		return st != calls.StateAlerting
	})
}

// scheduleConnectionTimeout bounds the window between accept and both
// parties reporting media up.
func (h *Handler) scheduleConnectionTimeout(callID string) {
	h.terminateUnless(callID, h.timers.Connection, func(st calls.State) bool {
		return st == calls.StateConnected
	})
}

// terminateUnless checks the call after d and force-terminates it with
// reason "timeout" unless ok reports the state as acceptable. The timer
// outlives the scheduling connection on purpose: the deadline belongs to
// the call, not to any one socket.
func (h *Handler) terminateUnless(callID string, d time.Duration, ok func(calls.State) bool) {
	time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		st, err := h.calls.GetState(ctx, callID)
		if errors.Is(err, calls.ErrCallNotFound) || (err == nil && ok(st)) {
			return
		}
		if err != nil {
			h.log.Warn("timeout check failed", "call_id", callID, "err", err)
			return
		}
		if st == calls.StateTerminated {
			return
		}
		if err := h.calls.Terminate(ctx, callID, calls.ReasonTimeout); err != nil {
			h.log.Warn("timeout termination failed", "call_id", callID, "err", err)
		}
	})
}
