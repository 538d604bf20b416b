package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/proto"
)

// Options bounds the reconnect behavior.
type Options struct {
	// Attempts is the dial budget per (re)connect cycle.
	Attempts int
	// BackoffBase is the first retry delay; it doubles per attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Manager owns the single duplex connection to the messaging backend.
// It is the only component allowed to open or close the socket; everyone
// else submits intents (Send, Subscribe) and observes Events and States.
type Manager struct {
	url  string
	opts Options
	log  *zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    chat.ConnState
	rooms    map[string]struct{}
	identity auth.Identity
	closed   bool
	lost     bool
	gen      int

	runCtx    context.Context
	runCancel context.CancelFunc

	events chan proto.Push
	states chan chat.ConnState
}

// New builds a manager for the given websocket URL. Nothing connects
// until Connect is called.
func New(url string, opts Options, logger *zerolog.Logger) *Manager {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	return &Manager{
		url:    url,
		opts:   opts,
		log:    logger,
		state:  chat.ConnDisconnected,
		rooms:  make(map[string]struct{}),
		events: make(chan proto.Push, 64),
		states: make(chan chat.ConnState, 8),
	}
}

// Events is the inbound push stream, consumed by a single dispatch loop.
func (m *Manager) Events() <-chan proto.Push {
	return m.events
}

// States emits lifecycle transitions (connecting, connected, disconnected).
func (m *Manager) States() <-chan chat.ConnState {
	return m.states
}

// State returns the current lifecycle state.
func (m *Manager) State() chat.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Lost reports whether the retry budget was exhausted since the last Connect.
func (m *Manager) Lost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Connect establishes the duplex channel and returns once the transport is
// ready. It also clears a previous ConnectionLost condition; the caller
// triggers it explicitly, e.g. when the user returns to the app.
func (m *Manager) Connect(ctx context.Context, identity auth.Identity) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager closed")
	}
	m.identity = identity
	m.lost = false
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.setState(chat.ConnConnecting)

	conn, err := m.dialWithBudget(ctx)
	if err != nil {
		m.markLost()
		return err
	}

	m.install(conn, nil)
	return nil
}

// Subscribe adds a room to the tracked set and joins it when connected.
// Idempotent: re-subscribing a tracked room is a no-op.
func (m *Manager) Subscribe(ctx context.Context, room string) error {
	m.mu.Lock()
	if _, ok := m.rooms[room]; ok {
		m.mu.Unlock()
		return nil
	}
	m.rooms[room] = struct{}{}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.write(ctx, conn, proto.Outbound{Event: proto.OutboundJoin, Data: proto.JoinData{Room: room}})
}

// Unsubscribe removes a room from the tracked set and leaves it when connected.
func (m *Manager) Unsubscribe(ctx context.Context, room string) error {
	m.mu.Lock()
	if _, ok := m.rooms[room]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, room)
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.write(ctx, conn, proto.Outbound{Event: proto.OutboundLeave, Data: proto.JoinData{Room: room}})
}

// Send submits an outbound intent on the duplex channel.
func (m *Manager) Send(ctx context.Context, out proto.Outbound) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("send %s: %w", out.Event, chat.ErrConnectionLost)
	}
	return m.write(ctx, conn, out)
}

// Close releases the connection and stops all reconnect activity.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Unlock()

	m.setState(chat.ConnDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (m *Manager) dialWithBudget(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	delay := m.opts.BackoffBase

	for attempt := 0; attempt < m.opts.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > m.opts.BackoffMax {
				delay = m.opts.BackoffMax
			}
		}

		conn, err := m.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt+1).Msg("ws dial failed")
	}

	return nil, fmt.Errorf("%w: %v", chat.ErrConnectionLost, lastErr)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	token := m.identity.Token
	m.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// install publishes the new connection, replays room subscriptions, and
// starts the read loop. Subscriptions never survive a reconnect server-side,
// so the tracked set is re-joined every time. A non-nil guard must still be
// the current run context for the publish to happen; this keeps a superseded
// reconnect cycle from clobbering the connection a newer Connect installed.
func (m *Manager) install(conn *websocket.Conn, guard context.Context) bool {
	m.mu.Lock()
	if m.closed || (guard != nil && guard != m.runCtx) {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	ctx := m.runCtx
	m.mu.Unlock()

	m.setState(chat.ConnConnected)

	for _, room := range rooms {
		if err := m.write(ctx, conn, proto.Outbound{Event: proto.OutboundJoin, Data: proto.JoinData{Room: room}}); err != nil {
			m.log.Warn().Err(err).Str("room", room).Msg("resubscribe failed")
		}
	}

	go m.readLoop(ctx, conn, gen)
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		var push proto.Push
		if err := wsjson.Read(ctx, conn, &push); err != nil {
			if m.stale(gen) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					m.log.Warn().Err(err).Msg("ws read error")
				}
			}
			m.reconnect(ctx)
			return
		}

		select {
		case m.events <- push:
		case <-ctx.Done():
			return
		}
	}
}

// reconnect runs one dial budget in the background after a dropped
// connection. When the budget is exhausted the manager stays down until the
// next explicit Connect. An explicit Connect replaces the run context, so a
// cycle dialing on the old context is superseded and must not touch state;
// otherwise its budget would expire after the new connection is already up
// and flag a live manager as lost.
func (m *Manager) reconnect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || ctx != m.runCtx {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	m.setState(chat.ConnConnecting)

	conn, err := m.dialWithBudget(ctx)
	if err != nil {
		m.mu.Lock()
		if m.closed || ctx != m.runCtx {
			m.mu.Unlock()
			return
		}
		m.lost = true
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("reconnect budget exhausted")
		m.setState(chat.ConnDisconnected)
		return
	}

	if !m.install(conn, ctx) {
		conn.Close(websocket.StatusNormalClosure, "superseded")
	}
}

func (m *Manager) markLost() {
	m.mu.Lock()
	m.lost = true
	m.mu.Unlock()
	m.setState(chat.ConnDisconnected)
}

func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || gen != m.gen
}

func (m *Manager) setState(state chat.ConnState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	select {
	case m.states <- state:
	default:
		// Drop if the observer is slow; only the latest state matters.
	}
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, out proto.Outbound) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, out); err != nil {
		return fmt.Errorf("write %s: %w", out.Event, err)
	}
	return nil
}
