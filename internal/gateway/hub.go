// Package gateway is the realtime edge: it authenticates websocket
// connections, keeps them subscribed to their identity channel and to the
// rooms they view, and fans out chat and presence events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"staychat/internal/auth"
	"staychat/internal/chat"
	"staychat/internal/metrics"
	"staychat/internal/model"
	"staychat/internal/presence"
)

// ChatService is the part of the delivery coordinator the gateway drives.
type ChatService interface {
	Send(ctx context.Context, req chat.SendRequest) (model.Message, error)
	MarkSeen(ctx context.Context, roomID, identityID string, role model.Role) (chat.SeenResult, error)
	Room(ctx context.Context, roomID, identityID string, role model.Role) (model.ChatRoom, error)
}

type Options struct {
	AllowedOrigins   []string
	SendBuffer       int
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	MaxFrameBytes    int64
	EventsPerSecond  float64
	EventBurst       int
	OperationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 40
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 10 * time.Second
	}
	return o
}

func (o Options) pingPeriod() time.Duration { return o.PongTimeout * 9 / 10 }

type roomChannel struct {
	room model.ChatRoom
	subs map[*Conn]struct{}
}

type Hub struct {
	log      *slog.Logger
	opts     Options
	auth     *auth.Authenticator
	presence *presence.Tracker
	metrics  *metrics.Metrics
	chat     ChatService
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	conns      map[string]*Conn
	identities map[string]map[*Conn]struct{}
	rooms      map[string]*roomChannel
}

func NewHub(log *slog.Logger, opts Options, authenticator *auth.Authenticator, tracker *presence.Tracker, m *metrics.Metrics) *Hub {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		log:        log,
		opts:       opts,
		auth:       authenticator,
		presence:   tracker,
		metrics:    m,
		upgrader:   createUpgrader(opts.AllowedOrigins),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*Conn),
		identities: make(map[string]map[*Conn]struct{}),
		rooms:      make(map[string]*roomChannel),
	}
	tracker.Subscribe(h.onPresence)
	return h
}

// Bind attaches the coordinator handling send and seen events. It must be
// called before the hub serves connections.
func (h *Hub) Bind(svc ChatService) { h.chat = svc }

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedMap[origin]
		},
	}
}

// ServeWS handles GET /ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.FromRequest(r)
	if err != nil {
		h.log.Warn("[GET /ws] Rejected unauthenticated connection", "remote", r.RemoteAddr, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("[GET /ws] WebSocket upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Conn{
		ID:         uuid.NewString(),
		IdentityID: id.ID,
		Role:       id.Role,
		ws:         ws,
		send:       make(chan []byte, h.opts.SendBuffer),
		limiter:    rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), h.opts.EventBurst),
		done:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	set, ok := h.identities[c.IdentityID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.identities[c.IdentityID] = set
	}
	set[c] = struct{}{}
	c.present = true
	total := len(h.conns)
	h.mu.Unlock()

	h.presence.Connect(c.IdentityID)
	h.metrics.Connections.Inc()
	h.log.Info("[WebSocket] New connection", "conn", c.ID, "identity", c.IdentityID, "role", c.Role, "total", total)
}

func (h *Hub) unregister(c *Conn) {
	c.close()

	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	if set, ok := h.identities[c.IdentityID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.identities, c.IdentityID)
		}
	}
	for roomID := range c.rooms {
		h.leaveLocked(c, roomID)
	}
	wasPresent := c.present
	c.present = false
	remaining := len(h.conns)
	h.mu.Unlock()

	if wasPresent {
		h.presence.Disconnect(c.IdentityID)
	}
	h.metrics.Connections.Dec()
	h.log.Info("[WebSocket] Client disconnected", "conn", c.ID, "identity", c.IdentityID, "total", remaining)
}

func (h *Hub) join(c *Conn, room model.ChatRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[room.ID]
	if !ok {
		rc = &roomChannel{subs: make(map[*Conn]struct{})}
		h.rooms[room.ID] = rc
	}
	rc.room = room
	rc.subs[c] = struct{}{}
	c.rooms[room.ID] = struct{}{}
}

func (h *Hub) leave(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, roomID)
}

func (h *Hub) leaveLocked(c *Conn, roomID string) {
	delete(c.rooms, roomID)
	rc, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(rc.subs, c)
	if len(rc.subs) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) viewing(c *Conn, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Subscribers returns how many connections currently view roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rc, ok := h.rooms[roomID]; ok {
		return len(rc.subs)
	}
	return 0
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// MessageCreated pushes msg to the room's viewers and a room_updated
// notification to participants' connections that are not viewing the room.
func (h *Hub) MessageCreated(room model.ChatRoom, msg model.Message) error {
	frame, err := encode(model.EventMessageReceived, model.MessageReceived{Message: msg})
	if err != nil {
		return err
	}

	h.mu.Lock()
	viewers, others := h.audienceLocked(room)
	h.mu.Unlock()

	var errs []error
	for _, c := range viewers {
		errs = append(errs, h.push(c, frame))
	}
	for _, c := range others {
		errs = append(errs, h.sendTo(c, model.EventRoomUpdated, roomUpdated(room, c.Role)))
	}
	return errors.Join(errs...)
}

// MessagesSeen tells the room's viewers that role read count messages and
// resets the badge on every connection of that participant.
func (h *Hub) MessagesSeen(room model.ChatRoom, role model.Role, count int) error {
	frame, err := encode(model.EventMessagesSeen, model.MessagesSeen{RoomID: room.ID, Role: role, Count: count})
	if err != nil {
		return err
	}

	h.mu.Lock()
	viewers, _ := h.audienceLocked(room)
	reader := lo.Filter(lo.Keys(h.identities[room.ParticipantID(role)]), func(c *Conn, _ int) bool {
		return c.Role == role
	})
	h.mu.Unlock()

	var errs []error
	for _, c := range viewers {
		errs = append(errs, h.push(c, frame))
	}
	for _, c := range reader {
		errs = append(errs, h.sendTo(c, model.EventRoomUpdated, roomUpdated(room, role)))
	}
	return errors.Join(errs...)
}

// audienceLocked refreshes the cached room and splits its audience into
// viewers and participant connections elsewhere. h.mu must be held.
func (h *Hub) audienceLocked(room model.ChatRoom) (viewers, others []*Conn) {
	rc := h.rooms[room.ID]
	if rc != nil {
		rc.room = room
		viewers = lo.Keys(rc.subs)
	}
	for _, role := range []model.Role{model.RoleUser, model.RoleProvider} {
		for c := range h.identities[room.ParticipantID(role)] {
			if c.Role != role {
				continue
			}
			if rc != nil {
				if _, ok := rc.subs[c]; ok {
					continue
				}
			}
			others = append(others, c)
		}
	}
	return viewers, others
}

func roomUpdated(room model.ChatRoom, role model.Role) model.RoomUpdated {
	return model.RoomUpdated{
		RoomID:        room.ID,
		LastMessage:   room.LastMessage,
		LastMessageAt: room.LastMessageAt,
		UnreadCount:   room.UnreadCount(role),
	}
}

// onPresence relays a presence flip to everyone viewing a room with the
// identity.
func (h *Hub) onPresence(change presence.Change) {
	evt := model.PresenceChanged{IdentityID: change.IdentityID, Online: change.Online}
	if !change.Online {
		evt.LastSeen = lo.ToPtr(change.LastSeen)
	}
	frame, err := encode(model.EventPresenceChanged, evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make(map[*Conn]struct{})
	for _, rc := range h.rooms {
		if rc.room.UserID != change.IdentityID && rc.room.ProviderID != change.IdentityID {
			continue
		}
		for c := range rc.subs {
			if c.IdentityID != change.IdentityID {
				targets[c] = struct{}{}
			}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		_ = h.push(c, frame)
	}
}

func (h *Hub) sendPresenceOf(c *Conn, identityID string) {
	evt := model.PresenceChanged{IdentityID: identityID, Online: h.presence.IsOnline(identityID)}
	if !evt.Online {
		if seen, ok := h.presence.LastSeen(identityID); ok {
			evt.LastSeen = lo.ToPtr(seen)
		}
	}
	_ = h.sendTo(c, model.EventPresenceChanged, evt)
}

func (h *Hub) relayTyping(c *Conn, roomID string, active bool) error {
	frame, err := encode(model.EventTyping, model.Typing{RoomID: roomID, FromIdentityID: c.IdentityID, Active: active})
	if err != nil {
		return err
	}
	h.mu.RLock()
	var targets []*Conn
	if rc, ok := h.rooms[roomID]; ok {
		for peer := range rc.subs {
			if peer.IdentityID != c.IdentityID {
				targets = append(targets, peer)
			}
		}
	}
	h.mu.RUnlock()

	for _, peer := range targets {
		_ = h.push(peer, frame)
	}
	return nil
}

func (h *Hub) announce(c *Conn, online bool) {
	h.mu.Lock()
	changed := c.present != online
	c.present = online
	var rooms []model.ChatRoom
	for roomID := range c.rooms {
		if rc, ok := h.rooms[roomID]; ok {
			rooms = append(rooms, rc.room)
		}
	}
	h.mu.Unlock()

	if changed {
		if online {
			h.presence.Connect(c.IdentityID)
		} else {
			h.presence.Disconnect(c.IdentityID)
		}
	}
	for _, room := range rooms {
		h.sendPresenceOf(c, room.Counterpart(c.Role))
	}
}

func encode(t model.EventType, data any) ([]byte, error) {
	env, err := model.NewEnvelope(t, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (h *Hub) sendTo(c *Conn, t model.EventType, data any) error {
	frame, err := encode(t, data)
	if err != nil {
		return err
	}
	return h.push(c, frame)
}

func (h *Hub) push(c *Conn, frame []byte) error {
	if err := c.enqueue(frame); err != nil {
		h.deliveryFailed(c, err)
		return err
	}
	return nil
}

func (h *Hub) deliveryFailed(c *Conn, err error) {
	h.metrics.DeliveryFailures.Inc()
	h.log.Warn("[WebSocket] Delivery failed", "conn", c.ID, "identity", c.IdentityID, "error", err)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	h.mu.RLock()
	conns := lo.Values(h.conns)
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
