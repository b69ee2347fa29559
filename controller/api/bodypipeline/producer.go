// Package bodypipeline implements the flow-controlled, state-machine-driven
// adapter that bridges an inbound byte-stream source (an origin-facing
// transport feeding discrete body chunks) to a reactive Subscriber that
// pulls bytes on demand. See SPEC_FULL.md for the full specification; this
// file implements the Producer core (spec.md §4.2-§4.4).
package bodypipeline

import (
	"sync/atomic"

	logging "github.com/sirupsen/logrus"
)

// backpressureThreshold is the queue depth at or above which askForMore is
// NOT called. Fixed by specification (spec.md §4.3, I6).
const backpressureThreshold = 1

// Producer is a flow-controlled body-chunk producer: a single-subscriber,
// single-instance-per-response state machine driving a FIFO buffer queue
// against a demand-accounted reactive consumer. Create one per response
// with NewProducer, in state Buffering; it is terminal (Completed or
// Terminated) once every signal due its collaborators has been delivered.
type Producer struct {
	sm     *stateMachine
	queue  bufferQueue
	demand demandCounter

	// subscriber and terminalSent are only ever touched from inside a
	// stateMachine transition (single-writer, serialized by sm.mu), so
	// plain field access across transitions needs no extra locking.
	subscriber   Subscriber
	terminalSent bool

	collab  Collaborators
	log     *logging.Entry
	metrics *streamMetrics

	receivedChunks      uint64
	receivedBytes       uint64
	emittedChunks       uint64
	emittedBytes        uint64
	maxQueueDepthChunks uint64
	maxQueueDepthBytes  uint64
}

// NewProducer constructs a Producer in state Buffering. streamID identifies
// the response this producer serves, for logging and per-stream metrics.
// metrics may be nil to disable Prometheus instrumentation.
func NewProducer(streamID string, collab Collaborators, metrics *Metrics) *Producer {
	p := &Producer{
		collab: collab,
		log: logging.WithFields(logging.Fields{
			"component": "bodypipeline",
			"stream":    streamID,
		}),
		metrics: metrics.ForStream(streamID),
	}
	p.sm = newStateMachine(Buffering, p.logInappropriate)
	p.buildTransitionTable()
	return p
}

// --- Input API: called by the transport (spec.md §6) ---

// NewChunk enqueues one body fragment; the producer takes ownership.
func (p *Producer) NewChunk(b Buffer) { p.sm.dispatch(contentChunkEvent{buffer: b}) }

// LastHTTPContent signals end-of-body.
func (p *Producer) LastHTTPContent() { p.sm.dispatch(contentEndEvent{}) }

// ChannelException signals a fatal upstream channel error.
func (p *Producer) ChannelException(cause error) { p.sm.dispatch(channelExceptionEvent{cause: cause}) }

// ChannelInactive signals the channel closed.
func (p *Producer) ChannelInactive(cause error) { p.sm.dispatch(channelInactiveEvent{cause: cause}) }

// TearDownResources signals that the delayed-tear-down grace window
// expired.
func (p *Producer) TearDownResources(cause error) { p.sm.dispatch(delayedTearDownEvent{cause: cause}) }

// --- Input API: called by the subscriber (spec.md §6) ---

// OnSubscribed registers the sole subscriber.
func (p *Producer) OnSubscribed(s Subscriber) { p.sm.dispatch(contentSubscribedEvent{subscriber: s}) }

// Request adds n to demand, saturating at unboundedDemand.
func (p *Producer) Request(n uint64) { p.sm.dispatch(rxBackpressureRequestEvent{n: n}) }

// Unsubscribe cancels the subscription.
func (p *Producer) Unsubscribe() { p.sm.dispatch(unsubscribeEvent{}) }

// --- Observability getters (spec.md §6) ---

func (p *Producer) ReceivedBytes() uint64       { return atomic.LoadUint64(&p.receivedBytes) }
func (p *Producer) ReceivedChunks() uint64      { return atomic.LoadUint64(&p.receivedChunks) }
func (p *Producer) EmittedBytes() uint64        { return atomic.LoadUint64(&p.emittedBytes) }
func (p *Producer) EmittedChunks() uint64       { return atomic.LoadUint64(&p.emittedChunks) }
func (p *Producer) MaxQueueDepthChunks() uint64 { return atomic.LoadUint64(&p.maxQueueDepthChunks) }
func (p *Producer) MaxQueueDepthBytes() uint64  { return atomic.LoadUint64(&p.maxQueueDepthBytes) }
func (p *Producer) CurrentState() ProducerState { return p.sm.current() }

// --- Transition table (spec.md §4.3) ---

func (p *Producer) buildTransitionTable() {
	sm := p.sm

	// scheduleTearDown invokes OnDelayedTearDown at most once over the
	// producer's lifetime, however many ChannelInactive events arrive.
	tearDownScheduled := false
	scheduleTearDown := func() {
		if !tearDownScheduled {
			tearDownScheduled = true
			p.collab.onDelayedTearDown()
		}
	}

	// BUFFERING
	sm.on(Buffering, eventContentChunk, func(ev event) ProducerState {
		p.enqueue(ev.(contentChunkEvent).buffer)
		p.maybeAskForMore()
		return Buffering
	})
	sm.on(Buffering, eventContentEnd, func(event) ProducerState {
		return BufferingCompleted
	})
	sm.on(Buffering, eventChannelInactive, func(ev event) ProducerState {
		p.terminate(ev.(channelInactiveEvent).cause)
		return Terminated
	})
	sm.on(Buffering, eventChannelException, func(ev event) ProducerState {
		p.terminate(ev.(channelExceptionEvent).cause)
		return Terminated
	})
	sm.on(Buffering, eventContentSubscribed, func(ev event) ProducerState {
		p.attachFirstSubscriber(ev.(contentSubscribedEvent).subscriber)
		p.drain()
		p.maybeAskForMore()
		return Streaming
	})
	sm.on(Buffering, eventRxBackpressureRequest, func(ev event) ProducerState {
		p.demand.add(ev.(rxBackpressureRequestEvent).n)
		p.maybeAskForMore()
		return Buffering
	})

	// BUFFERING_COMPLETED
	sm.on(BufferingCompleted, eventContentChunk, func(ev event) ProducerState {
		p.spuriousChunk(ev.(contentChunkEvent).buffer, BufferingCompleted)
		return BufferingCompleted
	})
	sm.on(BufferingCompleted, eventContentEnd, func(event) ProducerState {
		return BufferingCompleted
	})
	sm.on(BufferingCompleted, eventChannelInactive, func(event) ProducerState {
		scheduleTearDown()
		return BufferingCompleted
	})
	sm.on(BufferingCompleted, eventChannelException, func(event) ProducerState {
		// Swallowed: see SPEC_FULL.md / spec.md §9 open question on
		// avoiding a double-termination race with a pending tear-down.
		return BufferingCompleted
	})
	sm.on(BufferingCompleted, eventContentSubscribed, func(ev event) ProducerState {
		p.attachFirstSubscriber(ev.(contentSubscribedEvent).subscriber)
		p.drain()
		if p.queue.len() == 0 {
			p.completeSuccessfully()
			return Completed
		}
		return EmittingBufferedContent
	})
	sm.on(BufferingCompleted, eventRxBackpressureRequest, func(ev event) ProducerState {
		p.demand.add(ev.(rxBackpressureRequestEvent).n)
		return BufferingCompleted
	})
	sm.on(BufferingCompleted, eventDelayedTearDown, func(ev event) ProducerState {
		p.terminate(ev.(delayedTearDownEvent).cause)
		return Terminated
	})

	// STREAMING
	sm.on(Streaming, eventContentChunk, func(ev event) ProducerState {
		p.enqueue(ev.(contentChunkEvent).buffer)
		p.drain()
		p.maybeAskForMore()
		return Streaming
	})
	sm.on(Streaming, eventContentEnd, func(event) ProducerState {
		if p.queue.len() == 0 {
			p.completeSuccessfully()
			return Completed
		}
		return EmittingBufferedContent
	})
	sm.on(Streaming, eventChannelInactive, func(ev event) ProducerState {
		p.terminate(ev.(channelInactiveEvent).cause)
		return Terminated
	})
	sm.on(Streaming, eventChannelException, func(ev event) ProducerState {
		p.terminate(ev.(channelExceptionEvent).cause)
		return Terminated
	})
	sm.on(Streaming, eventContentSubscribed, func(ev event) ProducerState {
		p.rejectSecondSubscriber(ev.(contentSubscribedEvent).subscriber, Streaming)
		return Terminated
	})
	sm.on(Streaming, eventRxBackpressureRequest, func(ev event) ProducerState {
		p.demand.add(ev.(rxBackpressureRequestEvent).n)
		p.drain()
		p.maybeAskForMore()
		return Streaming
	})
	sm.on(Streaming, eventUnsubscribe, func(event) ProducerState {
		p.terminate(&ConsumerDisconnectedError{
			Message:           "subscriber unsubscribed before completion",
			StateAtDisconnect: Streaming,
		})
		return Terminated
	})

	// EMITTING_BUFFERED_CONTENT
	sm.on(EmittingBufferedContent, eventContentChunk, func(ev event) ProducerState {
		p.spuriousChunk(ev.(contentChunkEvent).buffer, EmittingBufferedContent)
		return EmittingBufferedContent
	})
	sm.on(EmittingBufferedContent, eventContentEnd, func(event) ProducerState {
		// Open question (spec.md §9): documented upstream as "does not
		// happen"; treated here as a no-op.
		return EmittingBufferedContent
	})
	sm.on(EmittingBufferedContent, eventChannelInactive, func(event) ProducerState {
		scheduleTearDown()
		return EmittingBufferedContent
	})
	sm.on(EmittingBufferedContent, eventChannelException, func(event) ProducerState {
		// Swallowed, see BufferingCompleted/eventChannelException above.
		return EmittingBufferedContent
	})
	sm.on(EmittingBufferedContent, eventContentSubscribed, func(ev event) ProducerState {
		p.rejectSecondSubscriber(ev.(contentSubscribedEvent).subscriber, EmittingBufferedContent)
		return Terminated
	})
	sm.on(EmittingBufferedContent, eventRxBackpressureRequest, func(ev event) ProducerState {
		p.demand.add(ev.(rxBackpressureRequestEvent).n)
		p.drain()
		if p.queue.len() == 0 {
			p.completeSuccessfully()
			return Completed
		}
		return EmittingBufferedContent
	})
	sm.on(EmittingBufferedContent, eventUnsubscribe, func(event) ProducerState {
		p.terminate(&ConsumerDisconnectedError{
			Message:           "subscriber unsubscribed before completion",
			StateAtDisconnect: EmittingBufferedContent,
		})
		return Terminated
	})
	sm.on(EmittingBufferedContent, eventDelayedTearDown, func(ev event) ProducerState {
		p.terminate(ev.(delayedTearDownEvent).cause)
		return Terminated
	})

	// COMPLETED (absorbing)
	sm.on(Completed, eventContentChunk, func(ev event) ProducerState {
		p.spuriousChunk(ev.(contentChunkEvent).buffer, Completed)
		return Completed
	})
	sm.on(Completed, eventContentEnd, func(event) ProducerState { return Completed })
	sm.on(Completed, eventContentSubscribed, func(ev event) ProducerState {
		p.rejectLateSubscriber(ev.(contentSubscribedEvent).subscriber, Completed)
		return Completed
	})
	sm.on(Completed, eventRxBackpressureRequest, func(event) ProducerState { return Completed })
	sm.on(Completed, eventUnsubscribe, func(event) ProducerState { return Completed })
	sm.on(Completed, eventDelayedTearDown, func(event) ProducerState { return Completed })

	// TERMINATED (absorbing)
	sm.on(Terminated, eventContentChunk, func(ev event) ProducerState {
		p.spuriousChunk(ev.(contentChunkEvent).buffer, Terminated)
		return Terminated
	})
	sm.on(Terminated, eventContentSubscribed, func(ev event) ProducerState {
		p.rejectLateSubscriber(ev.(contentSubscribedEvent).subscriber, Terminated)
		return Terminated
	})
	sm.on(Terminated, eventRxBackpressureRequest, func(event) ProducerState { return Terminated })
}

// --- Side effects shared by multiple transitions ---

func (p *Producer) enqueue(b Buffer) {
	p.queue.push(b)
	p.receivedChunks++
	p.receivedBytes += uint64(b.ReadableBytes())
	if p.metrics != nil {
		p.metrics.receivedChunks.Inc()
		p.metrics.receivedBytes.Add(float64(b.ReadableBytes()))
	}
	p.updateMaxQueueDepth()
}

func (p *Producer) updateMaxQueueDepth() {
	depthChunks := p.receivedChunks - p.emittedChunks
	depthBytes := p.receivedBytes - p.emittedBytes
	if depthChunks > p.maxQueueDepthChunks {
		p.maxQueueDepthChunks = depthChunks
		if p.metrics != nil {
			p.metrics.maxQueueDepthChunks.Set(float64(depthChunks))
		}
	}
	if depthBytes > p.maxQueueDepthBytes {
		p.maxQueueDepthBytes = depthBytes
		if p.metrics != nil {
			p.metrics.maxQueueDepthBytes.Set(float64(depthBytes))
		}
	}
}

// maybeAskForMore implements the upstream demand gating rule (spec.md §4.3,
// I6): askForMore fires only when the queue depth is strictly below the
// fixed backpressure threshold.
func (p *Producer) maybeAskForMore() {
	if p.queue.len() < backpressureThreshold {
		p.collab.askForMore()
	}
}

// drain delivers as many queued buffers as demand allows, in FIFO order
// (spec.md §4.3, "Drain algorithm"). The decrement-check-restore sequence
// is safe here because drain only ever runs inside a serialized
// transition.
func (p *Producer) drain() {
	for {
		consumed, wasUnbounded := p.demand.tryConsume()
		if !consumed {
			return
		}
		b, ok := p.queue.pop()
		if !ok {
			if !wasUnbounded {
				p.demand.restore()
			}
			return
		}
		p.emittedChunks++
		p.emittedBytes += uint64(b.ReadableBytes())
		if p.metrics != nil {
			p.metrics.emittedChunks.Inc()
			p.metrics.emittedBytes.Add(float64(b.ReadableBytes()))
		}
		p.subscriber.OnNext(b)
	}
}

func (p *Producer) attachFirstSubscriber(s Subscriber) {
	p.subscriber = s
}

func (p *Producer) spuriousChunk(b Buffer, state ProducerState) {
	b.Release()
	p.log.WithFields(p.diagnosticFields(state)).Warn("spurious content chunk received after content end; released")
}

func (p *Producer) rejectSecondSubscriber(newcomer Subscriber, state ProducerState) {
	p.log.WithFields(p.diagnosticFields(state)).Warn("rejecting second subscription attempt; terminating")
	newcomer.OnError(errSecondSubscriber)
	p.terminate(errSecondSubscriber)
}

func (p *Producer) rejectLateSubscriber(newcomer Subscriber, state ProducerState) {
	p.log.WithFields(p.diagnosticFields(state)).Warn("rejecting subscription attempt after terminal state")
	newcomer.OnError(errSubscribeAfterTerminal)
}

// terminate releases every queued buffer, delivers the terminal error to
// the subscriber exactly once if one is attached, and fires OnTerminate
// exactly once (spec.md I3, I5, §7).
func (p *Producer) terminate(cause error) {
	p.queue.drainAndRelease()
	if p.subscriber != nil && !p.terminalSent {
		p.terminalSent = true
		p.subscriber.OnError(cause)
	}
	p.collab.onTerminate(cause)
}

// completeSuccessfully delivers OnComplete exactly once if a subscriber is
// attached, and fires OnComplete exactly once (spec.md I2, I5, §7). The
// queue is always empty by the time this is called.
func (p *Producer) completeSuccessfully() {
	if p.subscriber != nil && !p.terminalSent {
		p.terminalSent = true
		p.subscriber.OnComplete()
	}
	p.collab.onComplete()
}

func (p *Producer) logInappropriate(state ProducerState, kind eventKind) {
	p.log.WithFields(p.diagnosticFields(state)).Warnf("inappropriate event %s in state %s", kind, state)
}

// diagnosticFields is the compact diagnostic required by spec.md §6. state
// is passed in rather than read via CurrentState because every caller runs
// inside an already-locked transition.
func (p *Producer) diagnosticFields(state ProducerState) logging.Fields {
	return logging.Fields{
		"state":               state,
		"receivedChunks":      p.receivedChunks,
		"receivedBytes":       p.receivedBytes,
		"emittedChunks":       p.emittedChunks,
		"emittedBytes":        p.emittedBytes,
		"maxQueueDepthChunks": p.maxQueueDepthChunks,
		"maxQueueDepthBytes":  p.maxQueueDepthBytes,
	}
}
