package adapters

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/app"
	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
	"github.com/tmeetei/groupcall/internal/metrics"
	"github.com/tmeetei/groupcall/internal/protocol"
)

const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps one websocket with a buffered send channel. TrySend is
// safe after Close and never blocks the caller.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Gateway owns every signaling connection: it assigns a fresh session
// id per connect, parses inbound envelopes and routes them to the
// orchestrator. All outbound traffic for a connection goes through
// its send channel.
type Gateway struct {
	Orch    *app.Orchestrator
	Limiter *RateLimiter
	Metrics *metrics.Metrics

	ReadLimit  int64
	SendBuffer int

	nextID atomic.Uint64
}

// connState is the per-connection context threaded through every
// handler; there is no process-wide current session.
type connState struct {
	sid  core.SessionID
	conn *wsConn
	ctx  context.Context

	// sess is non-nil only between a successful join and teardown.
	// Touched only from the read loop.
	sess *core.Session
}

// HandleSignal upgrades the request and runs the connection's read
// and write pumps.
func (g *Gateway) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.gateway").Msg("ws upgrade")
		return
	}

	buffer := g.SendBuffer
	if buffer <= 0 {
		buffer = 32
	}
	if g.ReadLimit > 0 {
		ws.SetReadLimit(g.ReadLimit)
	}

	st := &connState{
		sid:  core.SessionID(g.nextID.Add(1)),
		conn: newWSConn(ws, buffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	st.ctx = ctx
	log.Info().Str("module", "adapters.gateway").
		Uint64("sid", uint64(st.sid)).
		Str("remote", c.Request.RemoteAddr).
		Msg("connection received")

	go g.writePump(ctx, st.conn)
	go g.readPump(ctx, cancel, st)
}

func (g *Gateway) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "adapters.gateway").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.gateway").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, cancel context.CancelFunc, st *connState) {
	defer func() {
		log.Info().Str("module", "adapters.gateway").
			Uint64("sid", uint64(st.sid)).
			Msg("connection closed")
		// Connection error and close are handled like an explicit
		// stop: the session is torn down; Teardown is idempotent.
		g.Orch.Teardown(st.sid)
		if g.Limiter != nil {
			g.Limiter.Forget(st.sid)
		}
		cancel()
		st.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := st.conn.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "adapters.gateway").
					Uint64("sid", uint64(st.sid)).
					Msg("read error")
				return
			}
			g.dispatch(st, data)
		}
	}
}

func (g *Gateway) dispatch(st *connState, data []byte) {
	if g.Metrics != nil {
		g.Metrics.MessagesReceived.Inc()
	}
	if g.Limiter != nil && !g.Limiter.Allow(st.sid) {
		g.sendFrame(st, protocol.Error("rate limit exceeded"))
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.gateway").
			Uint64("sid", uint64(st.sid)).
			Msg("bad envelope")
		g.sendFrame(st, protocol.Error(err.Error()))
		return
	}

	switch env.Kind {
	case protocol.KindJoinRoom:
		g.handleJoin(st, env)
	case protocol.KindReceiveVideoFrom:
		g.handleReceiveVideo(st, env)
	case protocol.KindStop, protocol.KindLeaveRoom:
		g.handleStop(st)
	default:
		log.Warn().Str("module", "adapters.gateway").
			Str("kind", env.Kind).
			Msg("unknown message kind")
		g.sendFrame(st, protocol.Error("Invalid message "+string(data)))
	}
}

func (g *Gateway) handleJoin(st *connState, env protocol.Envelope) {
	if st.sess != nil {
		g.sendFrame(st, protocol.RegisterRejected(domain.ErrNameConflict.Error()))
		return
	}

	sess := &core.Session{
		ID:   st.sid,
		Name: domain.DisplayName(env.Name),
		Room: domain.RoomName(env.Room),
		Conn: st.conn,
	}
	peers, err := g.Orch.Join(sess)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.gateway").
			Uint64("sid", uint64(st.sid)).
			Str("name", env.Name).
			Msg("join rejected")
		g.sendFrame(st, protocol.RegisterRejected(err.Error()))
		return
	}
	st.sess = sess
	g.sendFrame(st, protocol.ExistingParticipants(peers))
}

// handleReceiveVideo runs the negotiation on its own goroutine so a
// slow engine call cannot stall the read loop; the reply carries the
// sender name, so out-of-order completions stay unambiguous.
func (g *Gateway) handleReceiveVideo(st *connState, env protocol.Envelope) {
	sess := st.sess
	if sess == nil {
		g.sendFrame(st, protocol.Error("not joined to any room"))
		return
	}

	sender := env.Sender
	offer := env.SDPOffer
	go func() {
		answer, err := g.Orch.ReceiveVideoFrom(st.ctx, sess, domain.DisplayName(sender), offer)
		if err != nil {
			g.sendFrame(st, protocol.Error("receiveVideoFrom "+sender+": "+err.Error()))
			return
		}
		g.sendFrame(st, protocol.ReceiveVideoAnswer(sender, answer))
	}()
}

func (g *Gateway) handleStop(st *connState) {
	g.Orch.Teardown(st.sid)
	st.sess = nil
}

func (g *Gateway) sendFrame(st *connState, f core.Frame) {
	if err := st.conn.TrySend(f); err != nil {
		if g.Metrics != nil {
			g.Metrics.MessagesDropped.Inc()
		}
		log.Debug().Err(err).Str("module", "adapters.gateway").
			Uint64("sid", uint64(st.sid)).
			Msg("outbound frame dropped")
	}
}
