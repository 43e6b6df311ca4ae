package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/morezero/service-gateway/pkg/bus"
	"github.com/morezero/service-gateway/pkg/registry"
)

type fakeServices map[string]registry.Service

func (f fakeServices) GetByMessage(category, typ string) (registry.Service, bool) {
	svc, ok := f[category+":"+typ]
	return svc, ok
}

type sentRequest struct {
	Channel   string
	RouteID   string
	RequestID string
	Payload   map[string]interface{}
}

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent chan sentRequest
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan sentRequest, 8)} }

func (f *fakeSender) SendRequest(_ context.Context, channel, routeID, requestID string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false
	}
	f.sent <- sentRequest{channel, routeID, requestID, payload.(map[string]interface{})}
	return true
}

type testGateway struct {
	*Gateway
	srv *httptest.Server
	key *rsa.PrivateKey
}

func newTestGateway(t *testing.T, opts Options) *testGateway {
	t.Helper()
	key := newTestKey(t)
	opts.Verifier = NewTokenVerifier(&key.PublicKey, "RS512", testAudience)
	if opts.InstanceID == "" {
		opts.InstanceID = "gw-test"
	}
	g, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	srv := httptest.NewServer(g)
	t.Cleanup(func() {
		_ = g.Stop()
		srv.Close()
	})
	return &testGateway{Gateway: g, srv: srv, key: key}
}

func (tg *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token := signToken(t, tg.key, jwt.SigningMethodRS512, userClaims(userID))
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type testFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f testFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func readError(t *testing.T, conn *websocket.Conn) ErrorPayload {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, EventMessage, f.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeFrame(t, conn, EventJoinChannel, room)
	f := readFrame(t, conn)
	require.Equal(t, EventChannelJoined, f.Event)
	assert.JSONEq(t, `"Joined channel: `+room+`"`, string(f.Data))
}

func inboundMessage(category, typ string) map[string]interface{} {
	return map[string]interface{}{
		"meta": map[string]interface{}{"category": category, "type": typ, "direction": "inbound"},
		"data": map[string]interface{}{"symbol": "BTCUSDT"},
	}
}

func TestNew_RequiresVerifier(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestServeHTTP_RejectsUnauthenticated(t *testing.T) {
	tg := newTestGateway(t, Options{})

	resp, err := http.Get(tg.srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "No connect token found")

	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "?token=bogus"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, tg.Sessions().Len())
}

func TestJoin_PublicRoom(t *testing.T) {
	tg := newTestGateway(t, Options{})
	conn := tg.dial(t, "u1")

	joinRoom(t, conn, "EXCHANGE_DATA:TICKER:BTCUSDT")
	assert.Equal(t, 1, tg.Rooms().Len())
}

func TestJoin_WildcardExpandsForOwner(t *testing.T) {
	auth := &fakeAuthorizer{allow: true}
	tg := newTestGateway(t, Options{Authorizer: auth})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventJoinChannel, "STRATEGY_BUILDER:*:s1")
	assert.JSONEq(t, `"Joined channel: STRATEGY_BUILDER:ERROR:s1"`, string(readFrame(t, conn).Data))
	assert.JSONEq(t, `"Joined channel: STRATEGY_BUILDER:BUILD_COMPLETED:s1"`, string(readFrame(t, conn).Data))
	assert.Equal(t, []string{"u1|STRATEGY_BUILDER|s1"}, auth.Calls())
}

func TestJoin_DeniedIsSilentByDefault(t *testing.T) {
	tg := newTestGateway(t, Options{Authorizer: &fakeAuthorizer{}})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventJoinChannel, "STRATEGY_BUILDER:*:s1")
	joinRoom(t, conn, "EXCHANGE_DATA:TICKER:BTCUSDT")
	assert.Equal(t, 1, tg.Rooms().Len())
}

func TestJoin_DeniedFrameWhenEnabled(t *testing.T) {
	tg := newTestGateway(t, Options{Authorizer: &fakeAuthorizer{}, EmitJoinDenied: true})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventJoinChannel, "LIVE_TRADE_SESSION:*:1")
	f := readFrame(t, conn)
	assert.Equal(t, EventChannelJoinDenied, f.Event)
	assert.JSONEq(t, `"LIVE_TRADE_SESSION:*:1"`, string(f.Data))
}

func TestLeave(t *testing.T) {
	tg := newTestGateway(t, Options{})
	conn := tg.dial(t, "u1")
	joinRoom(t, conn, "lobby")

	writeFrame(t, conn, EventLeaveChannel, "lobby")
	f := readFrame(t, conn)
	assert.Equal(t, EventChannelLeft, f.Event)
	assert.Zero(t, tg.Rooms().Len())
}

func TestOutbound_ReachesRoomMembers(t *testing.T) {
	tg := newTestGateway(t, Options{})
	member := tg.dial(t, "u1")
	sender := tg.dial(t, "u2")
	joinRoom(t, member, "EXCHANGE_DATA:TICKER:BTCUSDT")

	writeFrame(t, sender, EventMessage, map[string]interface{}{
		"meta": map[string]interface{}{"category": "EXCHANGE_DATA", "type": "TICKER"},
		"data": map[string]interface{}{"symbol": "BTCUSDT", "price": 1},
	})

	f := readFrame(t, member)
	require.Equal(t, EventMessage, f.Event)
	assert.Equal(t, int64(1), gjson.GetBytes(f.Data, "data.price").Int())
	assert.Positive(t, gjson.GetBytes(f.Data, "meta.serverTimestamp").Int())
}

func TestInbound_ServiceNotFound(t *testing.T) {
	tg := newTestGateway(t, Options{Services: fakeServices{}, Bus: newFakeSender()})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventMessage, inboundMessage("EXCHANGE_DATA", "GET_TICKER"))
	assert.Equal(t, errServiceNotFound(), readError(t, conn))
}

func TestInbound_ServiceWithoutBus(t *testing.T) {
	services := fakeServices{"EXCHANGE_DATA:GET_TICKER": {ID: "exchange", Name: "exchange", Channels: []registry.ChannelKind{registry.ChannelREST}}}
	tg := newTestGateway(t, Options{Services: services, Bus: newFakeSender()})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventMessage, inboundMessage("EXCHANGE_DATA", "GET_TICKER"))
	p := readError(t, conn)
	assert.Equal(t, http.StatusBadGateway, p.ErrorCode)
	assert.Equal(t, CodeServiceUnreachable, p.Code)
}

func busServices() fakeServices {
	return fakeServices{"EXCHANGE_DATA:GET_TICKER": {
		ID: "exchange-service", Name: "exchange-service",
		Channels: []registry.ChannelKind{registry.ChannelBus},
	}}
}

func TestInbound_RequestResponse(t *testing.T) {
	sender := newFakeSender()
	tg := newTestGateway(t, Options{Services: busServices(), Bus: sender, InstanceID: "gw-7"})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventMessage, inboundMessage("EXCHANGE_DATA", "GET_TICKER"))

	var req sentRequest
	select {
	case req = <-sender.sent:
	case <-time.After(3 * time.Second):
		t.Fatal("gateway:gateway_test - request was not sent")
	}
	assert.Equal(t, "exchange-service", req.Channel)
	assert.Equal(t, "EXCHANGE_DATA-GET_TICKER", req.RouteID)
	assert.True(t, strings.HasPrefix(req.RequestID, "EXCHANGE_DATA-GET_TICKER."))
	assert.Equal(t, "gw-7", req.Payload["gatewayId"])
	data, ok := req.Payload["data"].(json.RawMessage)
	require.True(t, ok)
	assert.True(t, gjson.GetBytes(data, "meta.serverTimestamp").Exists())

	tg.HandleBusMessage(bus.Message{
		bus.FieldMessageType: string(bus.KindResponse),
		bus.FieldRequestID:   req.RequestID,
		bus.FieldResponse:    map[string]interface{}{"price": 42.0},
	})
	f := readFrame(t, conn)
	assert.Equal(t, EventMessage, f.Event)
	assert.JSONEq(t, `{"price":42}`, string(f.Data))

	tg.HandleBusMessage(bus.Message{
		bus.FieldMessageType: string(bus.KindResponse),
		bus.FieldRequestID:   req.RequestID,
	})
	assert.Zero(t, tg.pending.Len())
}

func TestInbound_Timeout(t *testing.T) {
	tg := newTestGateway(t, Options{Services: busServices(), Bus: newFakeSender(), RequestTimeout: 50 * time.Millisecond})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventMessage, inboundMessage("EXCHANGE_DATA", "GET_TICKER"))
	assert.Equal(t, errRequestTimeout(), readError(t, conn))
	assert.Zero(t, tg.pending.Len())
}

func TestInbound_BusUnavailable(t *testing.T) {
	sender := newFakeSender()
	sender.fail = true
	tg := newTestGateway(t, Options{Services: busServices(), Bus: sender})
	conn := tg.dial(t, "u1")

	writeFrame(t, conn, EventMessage, inboundMessage("EXCHANGE_DATA", "GET_TICKER"))
	assert.Equal(t, errBusUnavailable(), readError(t, conn))
	assert.Zero(t, tg.pending.Len())
}

func TestRateLimit(t *testing.T) {
	tg := newTestGateway(t, Options{RateLimit: 0.001, RateBurst: 1})
	conn := tg.dial(t, "u1")

	joinRoom(t, conn, "lobby")
	writeFrame(t, conn, EventJoinChannel, "other")
	assert.Equal(t, errRateLimited(), readError(t, conn))
}

func TestBadFrames(t *testing.T) {
	tg := newTestGateway(t, Options{})
	conn := tg.dial(t, "u1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	assert.Equal(t, CodeBadFrame, readError(t, conn).Code)

	writeFrame(t, conn, "dance", nil)
	assert.Equal(t, CodeBadFrame, readError(t, conn).Code)

	writeFrame(t, conn, EventMessage, "just a string")
	assert.Equal(t, CodeBadFrame, readError(t, conn).Code)

	writeFrame(t, conn, EventJoinChannel, 12)
	assert.Equal(t, CodeBadFrame, readError(t, conn).Code)
}

func TestHandleBusMessage_RoutesEventsToRooms(t *testing.T) {
	tg := newTestGateway(t, Options{})
	conn := tg.dial(t, "u1")
	joinRoom(t, conn, "STRATEGY_BUILDER:BUILD_COMPLETED:s1")

	tg.HandleBusMessage(bus.Message{
		bus.FieldTopic:       "service-gateway",
		bus.FieldMessageID:   "m-1",
		bus.FieldMessageType: string(bus.KindEvent),
		bus.FieldEventID:     "BUILD_COMPLETED",
		"meta":               map[string]interface{}{"category": "STRATEGY_BUILDER", "type": "BUILD_COMPLETED"},
		"data":               map[string]interface{}{"strategy": map[string]interface{}{"id": "s1"}},
	})

	f := readFrame(t, conn)
	require.Equal(t, EventMessage, f.Event)
	assert.Equal(t, "s1", gjson.GetBytes(f.Data, "data.strategy.id").String())
	assert.False(t, gjson.GetBytes(f.Data, "messageId").Exists())
}

func TestDisconnect_CleansUp(t *testing.T) {
	sender := newFakeSender()
	tg := newTestGateway(t, Options{Services: busServices(), Bus: sender})

	var mu sync.Mutex
	var events []string
	tg.OnConnect(func(e HookEvent) { mu.Lock(); events = append(events, "connect:"+e.Session.UserID); mu.Unlock() })
	tg.OnDisconnect(func(e HookEvent) { mu.Lock(); events = append(events, "disconnect:"+e.Session.UserID); mu.Unlock() })

	conn := tg.dial(t, "u1")
	joinRoom(t, conn, "lobby")
	writeFrame(t, conn, EventMessage, inboundMessage("EXCHANGE_DATA", "GET_TICKER"))
	<-sender.sent
	require.Equal(t, 1, tg.pending.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, tg.ClientCount())
	assert.Zero(t, tg.Rooms().Len())
	assert.Zero(t, tg.Sessions().Len())
	assert.Zero(t, tg.pending.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connect:u1", "disconnect:u1"}, events)
}

func TestCheckOrigin(t *testing.T) {
	g, err := New(Options{Verifier: NewTokenVerifier(nil, "RS512", ""), AllowedOrigins: []string{"https://app.example.com"}})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/socket", nil)
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, g.checkOrigin(r))
}

func TestCheckOrigin_DefaultsToSameOrigin(t *testing.T) {
	g, err := New(Options{Verifier: NewTokenVerifier(nil, "RS512", "")})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "http://gw.example.com/socket", nil)
	assert.True(t, g.checkOrigin(r), "non-browser clients send no origin")
	r.Header.Set("Origin", "https://gw.example.com")
	assert.True(t, g.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, g.checkOrigin(r))

	g, err = New(Options{Verifier: NewTokenVerifier(nil, "RS512", ""), AllowedOrigins: []string{"*"}})
	require.NoError(t, err)
	assert.True(t, g.checkOrigin(r))
}
