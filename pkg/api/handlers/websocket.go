package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/ordersaga/pkg/api/events"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
	maxClientMessageBytes   = 4 << 10
)

// Client commands and the server acknowledgement type.
const (
	wsCommandSubscribe   = "subscribe"
	wsCommandUnsubscribe = "unsubscribe"
	wsCommandReset       = "reset"
	wsTypeSubscription   = "subscription"
	wsTypeError          = "error"
)

var errTooManyConnections = errors.New("websocket connection limit reached")

// WebSocketConfig configures the transition feed.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// EventMessage is one frame on the feed.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// clientCommand narrows or widens what a client receives, e.g.
//
//	{"type":"subscribe","orderId":"o-1"}
//	{"type":"subscribe","state":"completed"}
//	{"type":"subscribe","terminalOnly":true}
type clientCommand struct {
	Type         string `json:"type"`
	OrderID      string `json:"orderId,omitempty"`
	State        string `json:"state,omitempty"`
	TerminalOnly *bool  `json:"terminalOnly,omitempty"`
}

// feedFilter selects transitions. An empty filter passes everything; order ids and target
// states are each OR-ed internally and AND-ed with each other.
type feedFilter struct {
	orderIDs     map[string]struct{}
	states       map[string]struct{}
	terminalOnly bool
}

func newFeedFilter() feedFilter {
	return feedFilter{orderIDs: map[string]struct{}{}, states: map[string]struct{}{}}
}

func (f feedFilter) matches(t transitionView) bool {
	if f.terminalOnly && !t.terminal {
		return false
	}
	if len(f.orderIDs) > 0 {
		if _, ok := f.orderIDs[t.orderID]; !ok {
			return false
		}
	}
	if len(f.states) > 0 {
		if _, ok := f.states[t.to]; !ok {
			return false
		}
	}
	return true
}

func (f feedFilter) summary() map[string]any {
	ids := make([]string, 0, len(f.orderIDs))
	for id := range f.orderIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	states := make([]string, 0, len(f.states))
	for s := range f.states {
		states = append(states, s)
	}
	sort.Strings(states)
	return map[string]any{"orderIds": ids, "states": states, "terminalOnly": f.terminalOnly}
}

// transitionView is what filtering needs from a broadcast payload.
type transitionView struct {
	orderID  string
	to       string
	terminal bool
}

func viewOf(payload any) transitionView {
	var v transitionView
	switch p := payload.(type) {
	case events.TransitionPayload:
		return transitionView{orderID: p.OrderID, to: p.To, terminal: p.Terminal}
	case map[string]any:
		v.orderID, _ = p["orderId"].(string)
		v.to, _ = p["to"].(string)
		v.terminal, _ = p["terminal"].(bool)
	case map[string]string:
		v.orderID = p["orderId"]
		v.to = p["to"]
	}
	if !v.terminal && v.to != "" {
		if s, err := saga.ParseState(v.to); err == nil {
			v.terminal = s.IsTerminal()
		}
	}
	return v
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.Mutex
	filter    feedFilter
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:   conn,
		send:   make(chan []byte, defaultSendBuffer),
		filter: newFeedFilter(),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *wsClient) subscribe(orderID string) {
	c.apply(clientCommand{Type: wsCommandSubscribe, OrderID: orderID})
}

func (c *wsClient) wants(t transitionView) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.matches(t)
}

// apply updates the filter and returns its new summary.
func (c *wsClient) apply(cmd clientCommand) (map[string]any, error) {
	state := strings.TrimSpace(cmd.State)
	if state != "" {
		if _, err := saga.ParseState(state); err != nil {
			return nil, err
		}
	}
	orderID := strings.TrimSpace(cmd.OrderID)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(cmd.Type)) {
	case wsCommandSubscribe:
		if orderID != "" {
			c.filter.orderIDs[orderID] = struct{}{}
		}
		if state != "" {
			c.filter.states[state] = struct{}{}
		}
		if cmd.TerminalOnly != nil {
			c.filter.terminalOnly = *cmd.TerminalOnly
		}
	case wsCommandUnsubscribe:
		delete(c.filter.orderIDs, orderID)
		delete(c.filter.states, state)
		if cmd.TerminalOnly != nil && *cmd.TerminalOnly {
			c.filter.terminalOnly = false
		}
	case wsCommandReset:
		c.filter = newFeedFilter()
	default:
		return nil, errors.New("unknown command " + cmd.Type)
	}
	return c.filter.summary(), nil
}

// ConnectionManager tracks feed clients and fans frames out to them.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errTooManyConnections
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister drops client and closes its connection. Unknown clients are ignored.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	_, ok := m.clients[client]
	delete(m.clients, client)
	m.mu.Unlock()
	if ok {
		client.close()
	}
}

func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *ConnectionManager) CanAccept() bool {
	return m.Count() < m.maxConnections
}

// Broadcast queues event for every client whose filter matches. A client whose buffer is
// full is disconnected rather than allowed to stall the feed.
func (m *ConnectionManager) Broadcast(event EventMessage) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return err
	}
	view := viewOf(event.Payload)

	m.mu.RLock()
	targets := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		if c.wants(view) {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			m.Unregister(c)
		}
	}
	return nil
}

func (m *ConnectionManager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[*wsClient]struct{})
	m.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// WebSocketHandler serves /api/v1/events/ws, a live feed of saga transitions. New clients
// see every transition until they send a subscribe command.
type WebSocketHandler struct {
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if log == nil {
		log = logger.Global()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	origins := append([]string(nil), cfg.AllowedOrigins...)
	return &WebSocketHandler{
		log:          log.With("component", "events_ws"),
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return originAllowed(r, origins) },
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, errTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	if err := h.manager.Register(client); err != nil {
		// Lost a race for the last slot after the capacity check.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}
	h.log.Debug("Websocket client connected", "remote_addr", r.RemoteAddr, "clients", h.manager.Count())

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *WebSocketHandler) readLoop(client *wsClient) {
	defer h.manager.Unregister(client)

	deadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(maxClientMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(deadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Websocket read failed", "error", err)
			}
			return
		}
		h.handleCommand(client, data)
	}
}

func (h *WebSocketHandler) writeLoop(client *wsClient) {
	ping := time.NewTicker(h.pingInterval)
	defer func() {
		ping.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleCommand applies a client command and queues the reply on the client's own buffer.
func (h *WebSocketHandler) handleCommand(client *wsClient, raw []byte) {
	reply := EventMessage{Timestamp: time.Now().UTC()}

	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		reply.Type, reply.Payload = wsTypeError, map[string]any{"message": "malformed command"}
	} else if summary, err := client.apply(cmd); err != nil {
		reply.Type, reply.Payload = wsTypeError, map[string]any{"message": err.Error()}
	} else {
		reply.Type, reply.Payload = wsTypeSubscription, summary
	}

	frame, err := json.Marshal(reply)
	if err != nil {
		return
	}
	select {
	case client.send <- frame:
	default:
	}
}

// Broadcast stamps event if needed and fans it out.
func (h *WebSocketHandler) Broadcast(event EventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.manager.Broadcast(event)
}

// Run forwards broadcaster events to feed clients until ctx is done or b is closed.
func (h *WebSocketHandler) Run(ctx context.Context, b *events.Broadcaster) {
	ch := b.Subscribe(defaultSendBuffer)
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := h.Broadcast(EventMessage(event)); err != nil {
				h.log.Warn("Websocket broadcast failed", "type", event.Type, "error", err)
			}
		}
	}
}

func (h *WebSocketHandler) Count() int {
	return h.manager.Count()
}

func (h *WebSocketHandler) Close() {
	h.manager.Close()
}

// originAllowed accepts same-host origins, listed origins and requests without an Origin
// header (non-browser clients).
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSuffix(strings.TrimSpace(a), "/"), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
