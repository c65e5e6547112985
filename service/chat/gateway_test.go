package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	chatmsg "IMDelivery/module/chat/message"
	"IMDelivery/module/chat/model"
	"IMDelivery/module/chat/seq"
	"IMDelivery/module/device"
	"IMDelivery/module/message"
	"IMDelivery/service/bus"
	"IMDelivery/service/storage"
	"IMDelivery/tools/errs"
	"IMDelivery/tools/security"
)

var testSecret = []byte("gateway-test-secret")

type eventLog struct {
	mu     sync.Mutex
	events []*model.MessageCreatedEvent
}

func (e *eventLog) Publish(_ context.Context, evt *model.MessageCreatedEvent) error {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
	return nil
}

func (e *eventLog) all() []*model.MessageCreatedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*model.MessageCreatedEvent(nil), e.events...)
}

type cluster struct {
	t       *testing.T
	bus     *bus.Memory
	store   *chatmsg.MemoryStore
	devices *device.MemoryRegistry
	online  *storage.OnlineStore
	rdb     *redis.Client
	alloc   *seq.Allocator
	auth    *security.Verifier
	events  *eventLog
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := chatmsg.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveConversation(ctx, &model.Conversation{
		ID:   "conv-1",
		Type: model.ConversationPrivate,
		Participants: []model.Participant{
			{UserID: "alice", Role: model.RoleMember},
			{UserID: "bob", Role: model.RoleMember},
		},
	}))
	v, err := security.NewVerifier(security.DefaultOptions(testSecret))
	require.NoError(t, err)

	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	return &cluster{
		t:       t,
		bus:     b,
		store:   store,
		devices: device.NewMemoryRegistry(),
		online:  storage.NewOnlineStore(rdb, storage.OnlineConfig{NodeID: "test"}),
		rdb:     rdb,
		alloc:   seq.NewAllocator(rdb),
		auth:    v,
		events:  &eventLog{},
	}
}

// gateway 启动一个共享总线的网关节点
func (c *cluster) gateway(cfg Config) (*Server, *httptest.Server) {
	c.t.Helper()
	log := zaptest.NewLogger(c.t)
	svc := message.NewService(c.store, c.alloc, nil, c.events, log)
	srv := NewServer(cfg, Deps{
		Bus:       c.bus,
		Auth:      c.auth,
		Presence:  c.online,
		Messages:  svc,
		Directory: c.store,
		Devices:   c.devices,
		Log:       log,
	})
	svc.SetBroadcaster(srv)
	ts := httptest.NewServer(srv.Handler())
	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions(testSecret), user, "dev-"+user, nil)
	require.NoError(t, err)
	return tok
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server, tok string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if tok != "" {
		u += "?token=" + tok
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

// connect 拨号并等待 auth:ok
func connect(t *testing.T, ts *httptest.Server, user string) *client {
	c := dial(t, ts, token(t, user))
	c.expect(FrameAuthOK)
	return c
}

func (c *client) send(typ string, data any) {
	c.t.Helper()
	raw, err := EncodeFrame(typ, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *client) next() (*Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return ParseFrame(raw)
}

// expect 跳过其他类型的帧，直到读到 typ
func (c *client) expect(typ string) *Frame {
	c.t.Helper()
	for {
		f, err := c.next()
		require.NoError(c.t, err, "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func (c *client) join(conv string) {
	c.send(FrameJoin, ConversationData{ConversationID: conv})
	c.expect(FrameJoined)
}

func (c *client) expectClosed() {
	c.t.Helper()
	for {
		if _, err := c.next(); err != nil {
			assert.False(c.t, isTimeout(err), "connection should be closed, got %v", err)
			return
		}
	}
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "timeout")
}

func data[T any](t *testing.T, f *Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func sendText(c *client, conv, tempID, text string) {
	c.send(FrameSend, SendData{
		ConversationID: conv,
		TempID:         tempID,
		Payload:        model.Payload{Type: model.MsgText, Content: text},
	})
}

func TestGateway_DeliversAcrossNodes(t *testing.T) {
	c := newCluster(t)
	_, ts1 := c.gateway(Config{NodeID: "gw-1"})
	_, ts2 := c.gateway(Config{NodeID: "gw-2"})

	alice := connect(t, ts1, "alice")
	bob := connect(t, ts2, "bob")
	alice.join("conv-1")
	bob.join("conv-1")

	sendText(alice, "conv-1", "t-1", "hi")
	ack := data[AckData](t, alice.expect(FrameMessageAck))
	assert.Equal(t, "t-1", ack.TempID)
	assert.Equal(t, int64(1), ack.Seq)
	assert.NotEmpty(t, ack.MessageID)

	got := data[model.Message](t, bob.expect(FrameMessageNew))
	assert.Equal(t, ack.MessageID, got.ID)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "hi", got.Payload.Content)
	assert.Equal(t, int64(1), got.Seq)

	d, err := c.store.GetDelivery(context.Background(), ack.MessageID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, d.Status)

	// 重发同一 tempId 不产生新消息
	sendText(alice, "conv-1", "t-1", "hi")
	again := data[AckData](t, alice.expect(FrameMessageAck))
	assert.Equal(t, ack, again)
	assert.Len(t, c.store.Messages("conv-1"), 1)
}

func TestGateway_OrderingWithinConversation(t *testing.T) {
	c := newCluster(t)
	_, ts1 := c.gateway(Config{NodeID: "gw-1"})
	_, ts2 := c.gateway(Config{NodeID: "gw-2"})
	alice := connect(t, ts1, "alice")
	bob := connect(t, ts2, "bob")
	alice.join("conv-1")
	bob.join("conv-1")

	for i := 1; i <= 5; i++ {
		sendText(alice, "conv-1", fmt.Sprintf("t-%d", i), fmt.Sprintf("m%d", i))
	}
	for i := 1; i <= 5; i++ {
		m := data[model.Message](t, bob.expect(FrameMessageNew))
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Payload.Content)
		assert.Equal(t, int64(i), m.Seq)
	}
}

func TestGateway_RejectsBadCredential(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{})

	cl := dial(t, ts, "not-a-jwt")
	e := data[ErrorData](t, cl.expect(FrameError))
	assert.Equal(t, errs.UnauthorizedError, e.Code)
	cl.expectClosed()
}

func TestGateway_AuthFrame(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{})

	cl := dial(t, ts, "")
	cl.send(FrameJoin, ConversationData{ConversationID: "conv-1"})
	e := data[ErrorData](t, cl.expect(FrameError))
	assert.Equal(t, errs.UnauthorizedError, e.Code)

	cl.send(FrameAuth, AuthData{Token: token(t, "alice")})
	ok := data[AuthOKData](t, cl.expect(FrameAuthOK))
	assert.Equal(t, "alice", ok.UserID)
	assert.Equal(t, "dev-alice", ok.DeviceID)
	assert.NotEmpty(t, ok.SessionHandle)

	online, err := c.online.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestGateway_AuthTimeout(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{AuthTimeout: 200 * time.Millisecond})

	cl := dial(t, ts, "")
	e := data[ErrorData](t, cl.expect(FrameError))
	assert.Equal(t, errs.UnauthorizedError, e.Code)
	cl.expectClosed()
}

func TestGateway_NonParticipantClosedAfterViolations(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{MaxViolations: 3})
	carol := connect(t, ts, "carol")

	for i := 0; i < 3; i++ {
		carol.send(FrameJoin, ConversationData{ConversationID: "conv-1"})
		e := data[ErrorData](t, carol.expect(FrameError))
		assert.Equal(t, errs.ForbiddenError, e.Code)
	}
	carol.expectClosed()

	// 未加入的会话也不能发消息
	_, ts2 := c.gateway(Config{})
	carol2 := connect(t, ts2, "carol")
	sendText(carol2, "conv-1", "x-1", "let me in")
	e := data[ErrorData](t, carol2.expect(FrameError))
	assert.Equal(t, errs.ForbiddenError, e.Code)
	assert.Equal(t, "x-1", e.Ref)
	assert.Empty(t, c.store.Messages("conv-1"))
}

func TestGateway_TypingRateLimited(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{TypingPerSec: 0.001, TypingBurst: 1})
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")
	alice.join("conv-1")
	bob.join("conv-1")

	for i := 0; i < 3; i++ {
		alice.send(FrameTyping, ConversationData{ConversationID: "conv-1"})
	}
	sendText(alice, "conv-1", "t-1", "done typing")

	typing := 0
	for {
		f, err := bob.next()
		require.NoError(t, err)
		if f.Type == FrameTyping {
			typing++
			assert.Equal(t, "alice", data[TypingData](t, f).UserID)
		}
		if f.Type == FrameMessageNew {
			break
		}
	}
	assert.Equal(t, 1, typing)
}

func TestGateway_PresenceChanges(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{})
	bob := connect(t, ts, "bob")
	bob.join("conv-1")

	alice := connect(t, ts, "alice")
	p := data[PresenceData](t, bob.expect(FramePresenceChanged))
	assert.Equal(t, PresenceData{UserID: "alice", Status: "online"}, p)

	require.NoError(t, alice.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	p = data[PresenceData](t, bob.expect(FramePresenceChanged))
	assert.Equal(t, PresenceData{UserID: "alice", Status: "offline"}, p)

	online, err := c.online.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestGateway_ReadReceiptReachesSender(t *testing.T) {
	c := newCluster(t)
	_, ts1 := c.gateway(Config{NodeID: "gw-1"})
	_, ts2 := c.gateway(Config{NodeID: "gw-2"})
	alice := connect(t, ts1, "alice")
	bob := connect(t, ts2, "bob")
	alice.join("conv-1")
	bob.join("conv-1")

	sendText(alice, "conv-1", "t-1", "hi")
	m := data[model.Message](t, bob.expect(FrameMessageNew))

	bob.send(FrameRead, ReadData{ConversationID: "conv-1", MessageID: m.ID})
	r := data[ReceiptData](t, alice.expect(FrameReceipt))
	assert.Equal(t, ReceiptData{ConversationID: "conv-1", MessageID: m.ID, UserID: "bob", Status: "READ"}, r)

	d, err := c.store.GetDelivery(context.Background(), m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, d.Status)
	assert.NotNil(t, d.ReadAt)
}

func TestGateway_PingPong(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{})
	alice := connect(t, ts, "alice")
	alice.send(FramePing, nil)
	alice.expect(FramePong)
}

func TestGateway_DeviceAPI(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{})
	tok := token(t, "alice")

	do := func(method, path, tok string, body any) *http.Response {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, err := http.NewRequest(method, ts.URL+path, &buf)
		require.NoError(t, err)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodPut, "/api/devices", "", map[string]string{"provider": "FCM", "pushToken": "tok-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(http.MethodPut, "/api/devices", tok, map[string]string{"provider": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(http.MethodPut, "/api/devices", tok, map[string]string{"provider": "fcm", "pushToken": "tok-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d, ok := c.devices.Get("dev-alice")
	require.True(t, ok)
	assert.Equal(t, "alice", d.UserID)
	assert.Equal(t, model.ProviderFCM, d.Provider)
	assert.Equal(t, "tok-1", d.PushToken)

	resp = do(http.MethodDelete, "/api/devices/dev-alice", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(http.MethodDelete, "/api/devices/dev-alice", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_BroadcastMessageEncodesOnce(t *testing.T) {
	c := newCluster(t)
	srv, _ := c.gateway(Config{})
	s1 := newSession("h1", "", 4, nil, time.Now())
	s2 := newSession("h2", "", 4, nil, time.Now())
	require.NoError(t, srv.Hub().Join(context.Background(), bus.ConversationRoom("conv-1"), s1))
	require.NoError(t, srv.Hub().Join(context.Background(), bus.ConversationRoom("conv-1"), s2))

	require.NoError(t, srv.BroadcastMessage(context.Background(), &model.Message{ID: "m1", ConversationID: "conv-1", Seq: 7}))
	f1, f2 := <-s1.out, <-s2.out
	assert.Equal(t, f1, f2)
	f, err := ParseFrame(f1)
	require.NoError(t, err)
	assert.Equal(t, FrameMessageNew, f.Type)
	assert.Equal(t, int64(7), data[model.Message](t, f).Seq)
}

func TestGateway_EventCarriesSenderNameFromCredential(t *testing.T) {
	c := newCluster(t)
	_, ts := c.gateway(Config{})

	tok, _, err := security.GenerateIdentity(security.DefaultOptions(testSecret),
		security.Identity{UserID: "alice", DeviceID: "dev-alice", Name: "Alice Liddell"})
	require.NoError(t, err)
	alice := dial(t, ts, tok)
	alice.expect(FrameAuthOK)
	bob := connect(t, ts, "bob")
	alice.join("conv-1")
	bob.join("conv-1")

	sendText(alice, "conv-1", "t-1", "hi")
	ack := data[AckData](t, alice.expect(FrameMessageAck))
	sendText(bob, "conv-1", "t-2", "hey")
	bob.expect(FrameMessageAck)

	events := c.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, ack.MessageID, events[0].MessageID)
	assert.Equal(t, "Alice Liddell", events[0].SenderName)
	assert.Empty(t, events[1].SenderName, "token without a name claim")
}
