// Package httpsubscriber adapts an http.ResponseWriter into a
// bodypipeline.Subscriber: each OnNext is written and flushed immediately,
// and completion of the stream is signaled back to the HTTP handler
// goroutine so it can return and let net/http close the connection.
//
// See SPEC_FULL.md §4.9; grounded on
// controller/api/public/proto_over_http.go's flushableResponseWriter /
// newStreamingWriter (keep-alive, chunked transfer-encoding, flush-per-write)
// adapted from its length-prefixed protobuf framing to a plain byte stream,
// since a body-pipeline subscriber has no message boundaries to preserve.
package httpsubscriber

import (
	"fmt"
	"net/http"

	logging "github.com/sirupsen/logrus"

	bodypipeline "github.com/linkerd/bodypipeline/controller/api/bodypipeline"
)

// defaultDemandWindow is the demand requested when Serve subscribes. Each
// delivered buffer then requests one more, so at most this many buffers are
// requested ahead of the ones already written.
const defaultDemandWindow = 4

// flushableResponseWriter is the capability httpsubscriber needs from the
// writer handed to it by the HTTP handler.
type flushableResponseWriter interface {
	http.ResponseWriter
	http.Flusher
}

// Subscriber streams a producer's output onto one HTTP response body.
type Subscriber struct {
	w            flushableResponseWriter
	producer     *bodypipeline.Producer
	demandWindow uint64
	log          *logging.Entry

	done chan error // sent once, nil on success
}

// New wraps w as a Subscriber for producer, validating that w supports
// flushing. requestWindow overrides the default demand window; pass 0 to
// use defaultDemandWindow.
func New(w http.ResponseWriter, producer *bodypipeline.Producer, streamID string, requestWindow uint64) (*Subscriber, error) {
	flushable, ok := w.(flushableResponseWriter)
	if !ok {
		return nil, fmt.Errorf("httpsubscriber: response writer for stream %s does not support flushing", streamID)
	}
	if requestWindow == 0 {
		requestWindow = defaultDemandWindow
	}

	flushable.Header().Set("Connection", "keep-alive")
	flushable.Header().Set("Transfer-Encoding", "chunked")

	return &Subscriber{
		w:            flushable,
		producer:     producer,
		demandWindow: requestWindow,
		log:          logging.WithFields(logging.Fields{"component": "httpsubscriber", "stream": streamID}),
		done:         make(chan error, 1),
	}, nil
}

// Serve subscribes to the producer, requests the first demand window, and
// blocks until the stream reaches a terminal state. Run it from the HTTP
// handler goroutine; its return value is the terminal error, or nil on
// success.
func (s *Subscriber) Serve() error {
	s.producer.OnSubscribed(s)
	s.producer.Request(s.demandWindow)
	return <-s.done
}

// OnNext implements bodypipeline.Subscriber.
func (s *Subscriber) OnNext(b bodypipeline.Buffer) {
	data, ok := b.(interface{ Bytes() []byte })
	if ok {
		if _, err := s.w.Write(data.Bytes()); err != nil {
			s.log.WithError(err).Warn("write to response body failed")
		} else {
			s.w.Flush()
		}
	}
	b.Release()
	// OnNext runs inside the producer's state-machine transition, whose
	// lock is still held, so the follow-up Request is dispatched from
	// another goroutine instead of re-entering the producer here.
	go s.producer.Request(1)
}

// OnComplete implements bodypipeline.Subscriber.
func (s *Subscriber) OnComplete() {
	select {
	case s.done <- nil:
	default:
	}
}

// OnError implements bodypipeline.Subscriber.
func (s *Subscriber) OnError(cause error) {
	s.log.WithError(cause).Warn("stream terminated with error")
	select {
	case s.done <- cause:
	default:
	}
}
