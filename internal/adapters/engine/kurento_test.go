package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

type fakeRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      uint64         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// fakeKurento answers the JSON-RPC subset the client speaks. When
// failOperation matches an invoke operation it returns an rpc error;
// when mute is set it never answers at all.
type fakeKurento struct {
	t             *testing.T
	failOperation string
	mute          bool

	endpoints int
}

func (f *fakeKurento) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	require.NoError(f.t, err)
	defer conn.Close()

	for {
		var req fakeRPCRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if f.mute {
			continue
		}

		reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "create":
			switch req.Params["type"] {
			case "MediaPipeline":
				reply["result"] = map[string]any{"value": "pipe-1", "sessionId": "sess-1"}
			case "WebRtcEndpoint":
				f.endpoints++
				reply["result"] = map[string]any{
					"value":     fmt.Sprintf("ep-%d", f.endpoints),
					"sessionId": "sess-1",
				}
			}
		case "invoke":
			op, _ := req.Params["operation"].(string)
			if op == f.failOperation {
				reply["error"] = map[string]any{"code": 40101, "message": "operation failed"}
				break
			}
			switch op {
			case "processOffer":
				reply["result"] = map[string]any{"value": "sdp-answer", "sessionId": "sess-1"}
			case "connect":
				reply["result"] = map[string]any{"sessionId": "sess-1"}
			}
		case "release":
			reply["result"] = map[string]any{"sessionId": "sess-1"}
		}

		b, err := json.Marshal(reply)
		require.NoError(f.t, err)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func startFakeKurento(t *testing.T, f *fakeKurento) *Kurento {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	k := NewKurento("ws" + strings.TrimPrefix(srv.URL, "http"))
	t.Cleanup(k.Close)
	return k
}

func TestKurentoRoundTrip(t *testing.T) {
	k := startFakeKurento(t, &fakeKurento{})
	ctx := context.Background()

	pipe, err := k.CreatePipeline(ctx)
	require.NoError(t, err)
	require.Equal(t, core.PipelineRef("pipe-1"), pipe)

	ep, err := k.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)
	require.NotEmpty(t, ep)

	answer, err := k.ProcessOffer(ctx, ep, "v=0...")
	require.NoError(t, err)
	require.Equal(t, "sdp-answer", answer)

	sink, err := k.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)
	require.NoError(t, k.Connect(ctx, ep, sink))

	require.NoError(t, k.ReleaseEndpoint(ctx, sink))
	require.NoError(t, k.ReleasePipeline(ctx, pipe))
}

func TestKurentoDialFailure(t *testing.T) {
	k := NewKurento("ws://127.0.0.1:1/kurento")
	_, err := k.CreatePipeline(context.Background())
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
}

func TestKurentoRPCErrorMapping(t *testing.T) {
	k := startFakeKurento(t, &fakeKurento{failOperation: "processOffer"})
	ctx := context.Background()

	pipe, err := k.CreatePipeline(ctx)
	require.NoError(t, err)
	ep, err := k.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)

	_, err = k.ProcessOffer(ctx, ep, "v=0...")
	require.ErrorIs(t, err, domain.ErrNegotiation)
}

func TestKurentoConnectErrorMapping(t *testing.T) {
	k := startFakeKurento(t, &fakeKurento{failOperation: "connect"})
	ctx := context.Background()

	pipe, err := k.CreatePipeline(ctx)
	require.NoError(t, err)
	ep, err := k.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)

	err = k.Connect(ctx, ep, ep)
	require.ErrorIs(t, err, domain.ErrConnect)
}

func TestKurentoCallHonorsContext(t *testing.T) {
	k := startFakeKurento(t, &fakeKurento{mute: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := k.CreatePipeline(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
