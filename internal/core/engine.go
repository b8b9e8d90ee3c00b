package core

import "context"

type (
	// PipelineRef names a media pipeline inside the engine. Opaque to
	// the coordinator; the engine resolves it back to its own object.
	PipelineRef string
	// EndpointRef names a publish or subscribe endpoint inside a
	// pipeline.
	EndpointRef string
)

// MediaEngine is the collaborator that owns all media-plane work:
// pipelines, endpoints, SDP offer/answer, codec and ICE handling.
// Every call may block on a remote engine and may fail; callers bound
// them with the context.
type MediaEngine interface {
	// CreatePipeline allocates the per-room media container.
	// Fails with domain.ErrEngineUnavailable when the engine cannot
	// be reached.
	CreatePipeline(ctx context.Context) (PipelineRef, error)

	// CreateEndpoint allocates an endpoint inside pipeline.
	CreateEndpoint(ctx context.Context, pipeline PipelineRef) (EndpointRef, error)

	// ProcessOffer negotiates sdpOffer against endpoint and returns
	// the SDP answer. Fails with domain.ErrNegotiation.
	ProcessOffer(ctx context.Context, endpoint EndpointRef, sdpOffer string) (string, error)

	// Connect makes src's media flow into sink. Fails with
	// domain.ErrConnect.
	Connect(ctx context.Context, src, sink EndpointRef) error

	// ReleaseEndpoint frees an endpoint. Best-effort on teardown.
	ReleaseEndpoint(ctx context.Context, endpoint EndpointRef) error

	// ReleasePipeline frees a pipeline once its room is empty.
	ReleasePipeline(ctx context.Context, pipeline PipelineRef) error
}
