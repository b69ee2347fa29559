// Package transport adapts an origin-facing gRPC stream into the calls a
// bodypipeline.Producer expects from its transport collaborator. See
// SPEC_FULL.md §4.8; grounded on controller/tap/server.go's tapProxy
// goroutine (Dial, then a Recv loop forwarding onto a channel).
package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	logging "github.com/sirupsen/logrus"

	bodypipeline "github.com/linkerd/bodypipeline/controller/api/bodypipeline"
)

// fetchOriginMethod identifies the server-streaming RPC a Source dials: the
// origin sends one BytesValue per body fragment, ending the stream (EOF)
// once the body is complete. There is no generated client stub for this
// service - it is invoked directly through grpc.ClientConn.NewStream, the
// same low-level mechanism grpc-go's own reflection and health clients use
// when no .proto-generated code is available.
const fetchOriginMethod = "/bodypipeline.FetchOrigin/Fetch"

var fetchOriginStreamDesc = &grpc.StreamDesc{
	StreamName:    "Fetch",
	ServerStreams: true,
}

// Gate throttles Source.Stream's receive loop to match the producer's
// backpressure signal: it holds at most one outstanding permit, seeded at
// construction so the first fetch is never blocked, and refilled only by
// Release (wired to Collaborators.AskForMore). Since the producer's
// maybeAskForMore fires only when queue depth drops below
// backpressureThreshold, this makes the transport fetch one chunk at a
// time, never getting further ahead of the subscriber than the core's own
// threshold allows.
type Gate struct {
	permits chan struct{}
}

// NewGate constructs a Gate with one permit already available.
func NewGate() *Gate {
	g := &Gate{permits: make(chan struct{}, 1)}
	g.permits <- struct{}{}
	return g
}

// Release grants one permit, if none is already outstanding. Safe to call
// from any goroutine; matches Collaborators.AskForMore's "idempotent,
// non-blocking" contract.
func (g *Gate) Release() {
	select {
	case g.permits <- struct{}{}:
	default:
	}
}

// chunkBuffer adapts a received []byte into bodypipeline.Buffer. There is
// no pooling on this path, so Release is a no-op; the byte slice becomes
// garbage once the subscriber is done with it.
type chunkBuffer struct {
	data []byte
}

func (b *chunkBuffer) ReadableBytes() int { return len(b.data) }
func (b *chunkBuffer) Release()           {}

// Bytes exposes the underlying payload to collaborators willing to type-
// assert for it (e.g. internal/httpsubscriber), without widening the
// opaque bodypipeline.Buffer interface itself.
func (b *chunkBuffer) Bytes() []byte { return b.data }

// Source dials one origin address and, for each stream, opens a Fetch call
// and drives a Producer from its results.
type Source struct {
	conn *grpc.ClientConn
	log  *logging.Entry
}

// Dial opens a gRPC connection to addr. The connection is reused across
// calls to Stream for different stream IDs.
func Dial(addr string) (*Source, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithInsecure(),
		grpc.WithChainStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, err
	}
	return &Source{
		conn: conn,
		log:  logging.WithFields(logging.Fields{"component": "transport", "addr": addr}),
	}, nil
}

// Close releases the underlying connection.
func (s *Source) Close() error { return s.conn.Close() }

// Stream opens a Fetch call for streamID and forwards every received chunk
// into p, until the origin closes the stream, errors, or ctx is canceled.
// gate paces the receive loop against p's backpressure signal (see Gate);
// it must be the same Gate passed as p's Collaborators.AskForMore.Release.
// It blocks until the stream ends, so callers run it in its own goroutine.
func (s *Source) Stream(ctx context.Context, streamID string, p *bodypipeline.Producer, gate *Gate) {
	log := s.log.WithField("stream", streamID)

	stream, err := s.conn.NewStream(ctx, fetchOriginStreamDesc, fetchOriginMethod)
	if err != nil {
		log.WithError(err).Warn("failed to open origin stream")
		p.ChannelException(fmt.Errorf("opening origin stream: %w", err))
		return
	}

	request := wrapperspb.String(streamID)
	if err := stream.SendMsg(request); err != nil {
		log.WithError(err).Warn("failed to send stream request")
		p.ChannelException(fmt.Errorf("sending stream request: %w", err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		log.WithError(err).Warn("failed to close send side of origin stream")
	}

	for {
		select {
		case <-gate.permits:
		case <-ctx.Done():
			log.WithError(ctx.Err()).Warn("origin fetch canceled while waiting for demand")
			p.ChannelException(ctx.Err())
			return
		}

		chunk := &wrapperspb.BytesValue{}
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			p.LastHTTPContent()
			return
		}
		if err != nil {
			if status.Code(err) == codes.Unavailable {
				log.WithError(err).Warn("origin channel became inactive")
				p.ChannelInactive(err)
				return
			}
			log.WithError(err).Warn("origin stream error")
			p.ChannelException(err)
			return
		}
		p.NewChunk(&chunkBuffer{data: chunk.GetValue()})
	}
}

// StreamWithTimeout is Stream with a bound on how long the overall fetch
// may run, guarding against an origin that never closes its stream.
func (s *Source) StreamWithTimeout(parent context.Context, streamID string, p *bodypipeline.Producer, gate *Gate, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	s.Stream(ctx, streamID, p, gate)
}

// Healthy reports whether the underlying connection is in a state able to
// carry new RPCs - used by cmd/bodypipeline-daemon's /ready handler.
func (s *Source) Healthy() bool {
	state := s.conn.GetState()
	return state != connectivity.TransientFailure && state != connectivity.Shutdown
}
