package gateway_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"staychat/internal/auth"
	"staychat/internal/chat"
	"staychat/internal/chaterr"
	"staychat/internal/gateway"
	"staychat/internal/metrics"
	"staychat/internal/model"
	"staychat/internal/presence"
	"staychat/internal/store"
)

const testOrigin = "http://localhost:3000"

type testEnv struct {
	srv     *httptest.Server
	hub     *gateway.Hub
	svc     *chat.Service
	authn   *auth.Authenticator
	tracker *presence.Tracker
	room    model.ChatRoom
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	st, err := store.OpenBadger("", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.New(prometheus.NewRegistry())
	tracker := presence.NewTracker(log, 0)
	t.Cleanup(tracker.Close)
	authn := auth.NewAuthenticator("test-secret", "staychat", time.Hour)

	hub := gateway.NewHub(log, gateway.Options{AllowedOrigins: []string{testOrigin}}, authn, tracker, m)
	svc := chat.NewService(st, hub, log, m)
	hub.Bind(svc)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	room, _, err := svc.OpenRoom(context.Background(), "user-u", model.RoleUser, "provider-p")
	require.NoError(t, err)
	return testEnv{srv: srv, hub: hub, svc: svc, authn: authn, tracker: tracker, room: room}
}

func (e testEnv) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
}

func (e testEnv) dial(t *testing.T, id string, role model.Role) *websocket.Conn {
	t.Helper()
	token, err := e.authn.Issue(id, role)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(token), http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ model.EventType, data any) {
	t.Helper()
	env, err := model.NewEnvelope(typ, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, ws *websocket.Conn, want model.EventType) model.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env model.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", want)
		if env.Type == want {
			return env
		}
	}
}

func decode[T any](t *testing.T, env model.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (e testEnv) join(t *testing.T, ws *websocket.Conn) model.PresenceChanged {
	t.Helper()
	send(t, ws, model.EventJoinRoom, model.RoomRequest{RoomID: e.room.ID})
	return decode[model.PresenceChanged](t, readUntil(t, ws, model.EventPresenceChanged))
}

func TestServeWS_RejectsUnauthenticated(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("garbage"), http.Header{"Origin": {testOrigin}})

	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_RejectsForeignOrigin(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	token, err := e.authn.Issue("user-u", model.RoleUser)
	req.NoError(err)

	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(token), http.Header{"Origin": {"http://evil.example.com"}})

	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusForbidden, resp.StatusCode)
}

func TestSendMessage_DeliversToViewersAndIdentityChannel(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)

	// Given P viewing R on one tab and online elsewhere on another
	viewer := e.dial(t, "provider-p", model.RoleProvider)
	e.join(t, viewer)
	elsewhere := e.dial(t, "provider-p", model.RoleProvider)
	user := e.dial(t, "user-u", model.RoleUser)

	// When U sends "Hi"
	send(t, user, model.EventSendMessage, model.SendMessageRequest{
		RoomID: e.room.ID, Content: lo.ToPtr("Hi"), ClientRef: "tmp-1",
	})

	// Then U gets an ack carrying its client ref
	ack := decode[model.MessageAck](t, readUntil(t, user, model.EventMessageAck))
	req.Equal("tmp-1", ack.ClientRef)
	req.Equal("Hi", lo.FromPtr(ack.Message.Content))
	req.False(ack.Message.Seen)

	// And the viewer receives the message
	received := decode[model.MessageReceived](t, readUntil(t, viewer, model.EventMessageReceived))
	req.Equal(ack.Message.ID, received.Message.ID)

	// And the other tab gets a room update with the new unread count
	updated := decode[model.RoomUpdated](t, readUntil(t, elsewhere, model.EventRoomUpdated))
	req.Equal(e.room.ID, updated.RoomID)
	req.Equal(1, updated.UnreadCount)
	req.Equal("Hi", lo.FromPtr(updated.LastMessage))
}

func TestSendMessage_ErrorsCarryClientRef(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	user := e.dial(t, "user-u", model.RoleUser)

	send(t, user, model.EventSendMessage, model.SendMessageRequest{RoomID: e.room.ID, ClientRef: "tmp-2"})

	evt := decode[model.ErrorEvent](t, readUntil(t, user, model.EventError))
	req.Equal("tmp-2", evt.ClientRef)
	req.Equal(chaterr.CodeValidation, evt.Code)
}

func TestJoinRoom_NonParticipantIsRejected(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	outsider := e.dial(t, "user-x", model.RoleUser)

	send(t, outsider, model.EventJoinRoom, model.RoomRequest{RoomID: e.room.ID})

	evt := decode[model.ErrorEvent](t, readUntil(t, outsider, model.EventError))
	req.Equal(chaterr.CodeNotAuthorized, evt.Code)
	req.Zero(e.hub.Subscribers(e.room.ID))

	// The connection stays usable
	send(t, outsider, model.EventJoinRoom, model.RoomRequest{RoomID: "missing"})
	evt = decode[model.ErrorEvent](t, readUntil(t, outsider, model.EventError))
	req.Equal(chaterr.CodeNotFound, evt.Code)
}

func TestMalformedFrame_ReturnsValidationError(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	ws := e.dial(t, "user-u", model.RoleUser)

	req.NoError(ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	evt := decode[model.ErrorEvent](t, readUntil(t, ws, model.EventError))
	req.Equal(chaterr.CodeValidation, evt.Code)

	send(t, ws, "dance", map[string]string{})
	evt = decode[model.ErrorEvent](t, readUntil(t, ws, model.EventError))
	req.Equal(chaterr.CodeValidation, evt.Code)
}

func TestTyping_RelayedToOtherViewersOnly(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	provider := e.dial(t, "provider-p", model.RoleProvider)
	e.join(t, provider)
	user := e.dial(t, "user-u", model.RoleUser)
	e.join(t, user)

	send(t, user, model.EventTypingStart, model.RoomRequest{RoomID: e.room.ID})

	typing := decode[model.Typing](t, readUntil(t, provider, model.EventTyping))
	req.Equal("user-u", typing.FromIdentityID)
	req.True(typing.Active)

	send(t, user, model.EventTypingStop, model.RoomRequest{RoomID: e.room.ID})
	typing = decode[model.Typing](t, readUntil(t, provider, model.EventTyping))
	req.False(typing.Active)
}

func TestTyping_RequiresJoin(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	user := e.dial(t, "user-u", model.RoleUser)

	send(t, user, model.EventTypingStart, model.RoomRequest{RoomID: e.room.ID})

	evt := decode[model.ErrorEvent](t, readUntil(t, user, model.EventError))
	req.Equal(chaterr.CodeNotAuthorized, evt.Code)
}

func TestMarkSeen_NotifiesRoomAndReader(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := e.svc.Send(ctx, chat.SendRequest{
			RoomID: e.room.ID, SenderID: "user-u", SenderRole: model.RoleUser, Content: lo.ToPtr(text),
		})
		req.NoError(err)
	}
	user := e.dial(t, "user-u", model.RoleUser)
	e.join(t, user)
	provider := e.dial(t, "provider-p", model.RoleProvider)

	send(t, provider, model.EventMarkSeen, model.RoomRequest{RoomID: e.room.ID})

	seen := decode[model.MessagesSeen](t, readUntil(t, user, model.EventMessagesSeen))
	req.Equal(model.RoleProvider, seen.Role)
	req.Equal(3, seen.Count)
	updated := decode[model.RoomUpdated](t, readUntil(t, provider, model.EventRoomUpdated))
	req.Zero(updated.UnreadCount)
}

func TestPresence_JoinReportsCounterpartAndChanges(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)

	// Given P viewing R while U is offline
	provider := e.dial(t, "provider-p", model.RoleProvider)
	initial := e.join(t, provider)
	req.Equal("user-u", initial.IdentityID)
	req.False(initial.Online)

	// When U connects
	user := e.dial(t, "user-u", model.RoleUser)
	online := decode[model.PresenceChanged](t, readUntil(t, provider, model.EventPresenceChanged))
	req.True(online.Online)
	req.True(e.tracker.IsOnline("user-u"))

	// And disconnects
	req.NoError(user.Close())
	offline := decode[model.PresenceChanged](t, readUntil(t, provider, model.EventPresenceChanged))
	req.False(offline.Online)
	req.NotNil(offline.LastSeen)
}

func TestPresenceAnnounce(t *testing.T) {
	req := require.New(t)
	e := newTestEnv(t)
	provider := e.dial(t, "provider-p", model.RoleProvider)
	e.join(t, provider)
	user := e.dial(t, "user-u", model.RoleUser)
	e.join(t, user)
	req.True(decode[model.PresenceChanged](t, readUntil(t, provider, model.EventPresenceChanged)).Online)

	// Announcing for somebody else is refused
	send(t, user, model.EventPresenceAnnounce, model.PresenceAnnounce{IdentityID: "provider-p", Role: model.RoleProvider})
	evt := decode[model.ErrorEvent](t, readUntil(t, user, model.EventError))
	req.Equal(chaterr.CodeNotAuthorized, evt.Code)

	// Going away releases the hold without closing the socket
	send(t, user, model.EventPresenceAnnounce, model.PresenceAnnounce{IdentityID: "user-u", Role: model.RoleUser, Online: false})
	req.False(decode[model.PresenceChanged](t, readUntil(t, provider, model.EventPresenceChanged)).Online)
	req.Equal(2, e.hub.Connections())

	// Coming back re-acquires it and reports the counterpart
	send(t, user, model.EventPresenceAnnounce, model.PresenceAnnounce{IdentityID: "user-u", Role: model.RoleUser, Online: true})
	req.True(decode[model.PresenceChanged](t, readUntil(t, provider, model.EventPresenceChanged)).Online)
	counterpart := decode[model.PresenceChanged](t, readUntil(t, user, model.EventPresenceChanged))
	req.Equal("provider-p", counterpart.IdentityID)
	req.True(counterpart.Online)
}
