package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tmeetei/groupcall/internal/app"
	"github.com/tmeetei/groupcall/internal/core"
)

type stubEngine struct {
	mu        sync.Mutex
	endpoints int
}

func (s *stubEngine) CreatePipeline(ctx context.Context) (core.PipelineRef, error) {
	return "pipe-1", nil
}

func (s *stubEngine) CreateEndpoint(ctx context.Context, pipeline core.PipelineRef) (core.EndpointRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints++
	return core.EndpointRef(fmt.Sprintf("ep-%d", s.endpoints)), nil
}

func (s *stubEngine) ProcessOffer(ctx context.Context, endpoint core.EndpointRef, sdpOffer string) (string, error) {
	return "answer:" + sdpOffer, nil
}

func (s *stubEngine) Connect(ctx context.Context, src, sink core.EndpointRef) error {
	return nil
}

func (s *stubEngine) ReleaseEndpoint(ctx context.Context, endpoint core.EndpointRef) error {
	return nil
}

func (s *stubEngine) ReleasePipeline(ctx context.Context, pipeline core.PipelineRef) error {
	return nil
}

func startTestServer(t *testing.T) (*httptest.Server, *app.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orch := &app.Orchestrator{
		Registry:           app.NewRegistry(),
		Media:              app.NewMediaManager(),
		Engine:             &stubEngine{},
		NegotiationTimeout: time.Second,
	}
	gw := &Gateway{Orch: orch, SendBuffer: 32}

	r := gin.New()
	r.GET("/call", func(c *gin.Context) {
		gw.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, orch
}

func dialCall(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/call"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func join(t *testing.T, ws *websocket.Conn, name, room string) map[string]any {
	t.Helper()
	send(t, ws, map[string]string{"id": "joinRoom", "name": name, "room": room})
	return read(t, ws)
}

func TestJoinReturnsParticipantList(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialCall(t, srv)
	reply := join(t, alice, "alice", "room1")
	require.Equal(t, "existingParticipants", reply["id"])
	require.Equal(t, []any{}, reply["data"])

	bob := dialCall(t, srv)
	reply = join(t, bob, "bob", "room1")
	require.Equal(t, "existingParticipants", reply["id"])
	require.Equal(t, []any{"alice"}, reply["data"])
}

func TestDuplicateNameRejected(t *testing.T) {
	srv, orch := startTestServer(t)

	alice := dialCall(t, srv)
	join(t, alice, "alice", "room1")

	impostor := dialCall(t, srv)
	reply := join(t, impostor, "alice", "room1")
	require.Equal(t, "registerResponse", reply["id"])
	require.Equal(t, "rejected", reply["response"])
	require.Contains(t, reply["message"], "registered")

	// The original alice is untouched.
	s, ok := orch.Registry.ByName("alice")
	require.True(t, ok)
	require.NotNil(t, s)
}

func TestEmptyNameRejected(t *testing.T) {
	srv, _ := startTestServer(t)

	ws := dialCall(t, srv)
	reply := join(t, ws, "", "room1")
	require.Equal(t, "registerResponse", reply["id"])
	require.Equal(t, "rejected", reply["response"])
	require.Contains(t, reply["message"], "empty user name")
}

func TestNegotiationRoundTrip(t *testing.T) {
	srv, _ := startTestServer(t)

	bob := dialCall(t, srv)
	join(t, bob, "bob", "room1")

	alice := dialCall(t, srv)
	join(t, alice, "alice", "room1")

	send(t, alice, map[string]string{
		"id": "receiveVideoFrom", "sender": "alice", "sdpOffer": "v=0...",
	})
	reply := read(t, alice)
	require.Equal(t, "receiveVideoAnswer", reply["id"])
	require.Equal(t, "alice", reply["name"])
	require.Equal(t, "answer:v=0...", reply["sdpAnswer"])

	// Bob is told about the new publisher, out of band.
	push := read(t, bob)
	require.Equal(t, "newParticipantArrived", push["id"])
	require.Equal(t, "alice", push["name"])
}

func TestSubscribeBeforePublishYieldsError(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialCall(t, srv)
	join(t, alice, "alice", "room1")

	bob := dialCall(t, srv)
	join(t, bob, "bob", "room1")

	send(t, bob, map[string]string{
		"id": "receiveVideoFrom", "sender": "alice", "sdpOffer": "v=0...",
	})
	reply := read(t, bob)
	require.Equal(t, "error", reply["id"])
	require.Contains(t, reply["message"], "alice")
}

func TestUnknownKindEchoesError(t *testing.T) {
	srv, _ := startTestServer(t)

	ws := dialCall(t, srv)
	send(t, ws, map[string]string{"id": "teleport"})
	reply := read(t, ws)
	require.Equal(t, "error", reply["id"])
	require.Contains(t, reply["message"], "Invalid message")
	require.Contains(t, reply["message"], "teleport")
}

func TestMalformedMessageYieldsError(t *testing.T) {
	srv, _ := startTestServer(t)

	ws := dialCall(t, srv)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := read(t, ws)
	require.Equal(t, "error", reply["id"])
}

func TestNegotiateBeforeJoinYieldsError(t *testing.T) {
	srv, _ := startTestServer(t)

	ws := dialCall(t, srv)
	send(t, ws, map[string]string{
		"id": "receiveVideoFrom", "sender": "alice", "sdpOffer": "v=0...",
	})
	reply := read(t, ws)
	require.Equal(t, "error", reply["id"])
}

func TestStopFreesNameForRejoin(t *testing.T) {
	srv, _ := startTestServer(t)

	ws := dialCall(t, srv)
	join(t, ws, "alice", "room1")
	send(t, ws, map[string]string{"id": "stop"})

	// Same connection joins again; the read loop processed the stop
	// first, so the name is free.
	reply := join(t, ws, "alice", "room2")
	require.Equal(t, "existingParticipants", reply["id"])
}

func TestConnectionCloseTearsDownSession(t *testing.T) {
	srv, orch := startTestServer(t)

	ws := dialCall(t, srv)
	join(t, ws, "alice", "room1")
	_, ok := orch.Registry.ByName("alice")
	require.True(t, ok)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		_, ok := orch.Registry.ByName("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
