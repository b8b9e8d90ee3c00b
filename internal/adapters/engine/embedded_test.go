package engine

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/tmeetei/groupcall/internal/domain"
)

// localOffer builds a real SDP offer with one receiving video
// transceiver, the shape a browser sends for receiveVideoFrom.
func localOffer(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gather := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gather
	return pc.LocalDescription().SDP
}

func TestEmbeddedOfferAnswer(t *testing.T) {
	e := NewEmbedded(webrtc.Configuration{})
	ctx := context.Background()

	pipe, err := e.CreatePipeline(ctx)
	require.NoError(t, err)

	ep, err := e.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)

	answer, err := e.ProcessOffer(ctx, ep, localOffer(t))
	require.NoError(t, err)
	require.Contains(t, answer, "v=0")

	require.NoError(t, e.ReleaseEndpoint(ctx, ep))
	require.NoError(t, e.ReleasePipeline(ctx, pipe))
}

func TestEmbeddedRejectsUnknownPipeline(t *testing.T) {
	e := NewEmbedded(webrtc.Configuration{})
	_, err := e.CreateEndpoint(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
}

func TestEmbeddedRejectsGarbageOffer(t *testing.T) {
	e := NewEmbedded(webrtc.Configuration{})
	ctx := context.Background()

	pipe, err := e.CreatePipeline(ctx)
	require.NoError(t, err)
	ep, err := e.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)

	_, err = e.ProcessOffer(ctx, ep, "this is not sdp")
	require.ErrorIs(t, err, domain.ErrNegotiation)
}

func TestEmbeddedConnectAndRelease(t *testing.T) {
	e := NewEmbedded(webrtc.Configuration{})
	ctx := context.Background()

	pipe, err := e.CreatePipeline(ctx)
	require.NoError(t, err)
	src, err := e.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)
	sink, err := e.CreateEndpoint(ctx, pipe)
	require.NoError(t, err)

	require.NoError(t, e.Connect(ctx, src, sink))

	// Releasing a connected sink detaches it from the publisher.
	require.NoError(t, e.ReleaseEndpoint(ctx, sink))
	// Releasing twice is harmless.
	require.NoError(t, e.ReleaseEndpoint(ctx, sink))

	err = e.Connect(ctx, src, sink)
	require.ErrorIs(t, err, domain.ErrConnect)

	require.NoError(t, e.ReleasePipeline(ctx, pipe))
}
