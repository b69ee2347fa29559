package bodypipeline

import (
	"errors"
	"sync"
	"testing"
)

// fakeBuffer is a minimal reference-counted buffer for tests, grounded on
// the recording-fake style used by update_queue_test.go.
type fakeBuffer struct {
	data     string
	released int
}

func (b *fakeBuffer) ReadableBytes() int { return len(b.data) }
func (b *fakeBuffer) Release()           { b.released++ }

func buf(s string) *fakeBuffer { return &fakeBuffer{data: s} }

// recordingSubscriber records every signal it receives, guarding against
// concurrent delivery from multiple goroutines the way a real reactive
// consumer would need to.
type recordingSubscriber struct {
	mu        sync.Mutex
	delivered []string
	completed bool
	err       error
}

func (s *recordingSubscriber) OnNext(b Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, b.(*fakeBuffer).data)
}

func (s *recordingSubscriber) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
}

func (s *recordingSubscriber) OnError(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = cause
}

func (s *recordingSubscriber) snapshot() (delivered []string, completed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...), s.completed, s.err
}

// recordingCollaborators counts how many times each collaborator callback
// fired, so tests can assert exactly-once delivery (spec.md §7).
type recordingCollaborators struct {
	mu               sync.Mutex
	askForMoreCalls  int
	completeCalls    int
	terminateCalls   int
	terminateCause   error
	tearDownCalls    int
}

func (c *recordingCollaborators) collaborators() Collaborators {
	return Collaborators{
		AskForMore: func() {
			c.mu.Lock()
			c.askForMoreCalls++
			c.mu.Unlock()
		},
		OnComplete: func() {
			c.mu.Lock()
			c.completeCalls++
			c.mu.Unlock()
		},
		OnTerminate: func(cause error) {
			c.mu.Lock()
			c.terminateCalls++
			c.terminateCause = cause
			c.mu.Unlock()
		},
		OnDelayedTearDown: func() {
			c.mu.Lock()
			c.tearDownCalls++
			c.mu.Unlock()
		},
	}
}

func newTestProducer() (*Producer, *recordingCollaborators) {
	rc := &recordingCollaborators{}
	p := NewProducer("test-stream", rc.collaborators(), nil)
	return p, rc
}

// S1 — Early subscribe, bounded demand.
func TestScenarioEarlySubscribeBoundedDemand(t *testing.T) {
	p, rc := newTestProducer()
	sub := &recordingSubscriber{}

	p.OnSubscribed(sub)
	if p.CurrentState() != Streaming {
		t.Fatalf("expected STREAMING after subscribe, got %s", p.CurrentState())
	}

	p.Request(2)
	p.NewChunk(buf("AB"))
	p.NewChunk(buf("CD"))
	p.NewChunk(buf("EF"))

	delivered, completed, err := sub.snapshot()
	if completed || err != nil {
		t.Fatalf("expected no terminal signal yet, got completed=%v err=%v", completed, err)
	}
	if got := delivered; len(got) != 2 || got[0] != "AB" || got[1] != "CD" {
		t.Fatalf("expected [AB CD] delivered so far, got %v", got)
	}
	if p.CurrentState() != Streaming {
		t.Fatalf("expected STREAMING with EF still queued, got %s", p.CurrentState())
	}

	p.LastHTTPContent()
	if p.CurrentState() != EmittingBufferedContent {
		t.Fatalf("expected EMITTING_BUFFERED_CONTENT, got %s", p.CurrentState())
	}

	p.Request(10)
	delivered, completed, err = sub.snapshot()
	if !completed || err != nil {
		t.Fatalf("expected onComplete with no error, got completed=%v err=%v", completed, err)
	}
	if len(delivered) != 3 || delivered[2] != "EF" {
		t.Fatalf("expected EF delivered last, got %v", delivered)
	}
	if p.CurrentState() != Completed {
		t.Fatalf("expected COMPLETED, got %s", p.CurrentState())
	}
	if p.ReceivedBytes() != 6 || p.EmittedBytes() != 6 {
		t.Fatalf("expected 6/6 bytes, got received=%d emitted=%d", p.ReceivedBytes(), p.EmittedBytes())
	}
	if rc.completeCalls != 1 {
		t.Fatalf("expected exactly one OnComplete collaborator call, got %d", rc.completeCalls)
	}
}

// S2 — Late subscribe after end-of-body.
func TestScenarioLateSubscribeAfterEndOfBody(t *testing.T) {
	p, rc := newTestProducer()
	sub := &recordingSubscriber{}

	p.NewChunk(buf("X"))
	p.NewChunk(buf("YZ"))
	if p.CurrentState() != Buffering {
		t.Fatalf("expected BUFFERING, got %s", p.CurrentState())
	}
	p.LastHTTPContent()
	if p.CurrentState() != BufferingCompleted {
		t.Fatalf("expected BUFFERING_COMPLETED, got %s", p.CurrentState())
	}

	p.OnSubscribed(sub)
	if p.CurrentState() != EmittingBufferedContent {
		t.Fatalf("expected EMITTING_BUFFERED_CONTENT, got %s", p.CurrentState())
	}

	p.Request(unboundedDemand)
	delivered, completed, err := sub.snapshot()
	if !completed || err != nil {
		t.Fatalf("expected onComplete with no error, got completed=%v err=%v", completed, err)
	}
	if len(delivered) != 2 || delivered[0] != "X" || delivered[1] != "YZ" {
		t.Fatalf("expected [X YZ] delivered, got %v", delivered)
	}
	if p.CurrentState() != Completed {
		t.Fatalf("expected COMPLETED, got %s", p.CurrentState())
	}
	if rc.completeCalls != 1 {
		t.Fatalf("expected exactly one OnComplete collaborator call, got %d", rc.completeCalls)
	}
}

// A subscriber that attaches in BUFFERING_COMPLETED after a Request call
// already banked demand must drain immediately, not wait for a second,
// redundant Request. Request and OnSubscribed are independent public
// methods, so this ordering is a legitimate caller sequence.
func TestLateSubscribeWithPreexistingDemandDrainsImmediately(t *testing.T) {
	p, _ := newTestProducer()
	sub := &recordingSubscriber{}

	p.NewChunk(buf("A"))
	p.NewChunk(buf("B"))
	p.LastHTTPContent()
	if p.CurrentState() != BufferingCompleted {
		t.Fatalf("expected BUFFERING_COMPLETED, got %s", p.CurrentState())
	}

	p.Request(1)
	p.OnSubscribed(sub)

	delivered, completed, err := sub.snapshot()
	if completed || err != nil {
		t.Fatalf("expected no terminal signal yet, got completed=%v err=%v", completed, err)
	}
	if len(delivered) != 1 || delivered[0] != "A" {
		t.Fatalf("expected [A] delivered immediately on subscribe, got %v", delivered)
	}
	if p.queue.len() != 1 {
		t.Fatalf("expected B still queued, got depth %d", p.queue.len())
	}
	if p.CurrentState() != EmittingBufferedContent {
		t.Fatalf("expected EMITTING_BUFFERED_CONTENT, got %s", p.CurrentState())
	}
}

// S3 — Channel exception mid-stream.
func TestScenarioChannelExceptionMidStream(t *testing.T) {
	p, rc := newTestProducer()
	sub := &recordingSubscriber{}

	p.OnSubscribed(sub)
	p.Request(unboundedDemand)
	p.NewChunk(buf("A"))

	cause := errors.New("boom")
	p.ChannelException(cause)

	delivered, completed, err := sub.snapshot()
	if completed {
		t.Fatalf("expected no onComplete")
	}
	if err != cause {
		t.Fatalf("expected onError(%v), got %v", cause, err)
	}
	if len(delivered) != 1 || delivered[0] != "A" {
		t.Fatalf("expected [A] delivered before error, got %v", delivered)
	}
	if p.CurrentState() != Terminated {
		t.Fatalf("expected TERMINATED, got %s", p.CurrentState())
	}
	if rc.terminateCalls != 1 || rc.terminateCause != cause {
		t.Fatalf("expected exactly one OnTerminate(%v) call, got %d calls with cause %v", cause, rc.terminateCalls, rc.terminateCause)
	}
}

// S4 — Secondary subscription while streaming.
func TestScenarioSecondarySubscription(t *testing.T) {
	p, rc := newTestProducer()
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}

	p.OnSubscribed(a)
	p.OnSubscribed(b)

	_, _, errA := a.snapshot()
	_, _, errB := b.snapshot()
	if errA == nil || errB == nil {
		t.Fatalf("expected both subscribers to receive onError, got a=%v b=%v", errA, errB)
	}
	var illegalState *IllegalStateError
	if !errors.As(errB, &illegalState) {
		t.Fatalf("expected newcomer to receive IllegalStateError, got %v", errB)
	}
	if p.CurrentState() != Terminated {
		t.Fatalf("expected TERMINATED, got %s", p.CurrentState())
	}
	if rc.terminateCalls != 1 {
		t.Fatalf("expected exactly one OnTerminate call, got %d", rc.terminateCalls)
	}
}

// S5 — Premature unsubscribe.
func TestScenarioPrematureUnsubscribe(t *testing.T) {
	p, rc := newTestProducer()
	sub := &recordingSubscriber{}

	p.OnSubscribed(sub)
	p.Request(1)
	p.NewChunk(buf("A"))

	delivered, _, _ := sub.snapshot()
	if len(delivered) != 1 || delivered[0] != "A" {
		t.Fatalf("expected [A] delivered before unsubscribe, got %v", delivered)
	}

	p.Unsubscribe()

	_, completed, err := sub.snapshot()
	if completed {
		t.Fatalf("expected no onComplete")
	}
	var disconnected *ConsumerDisconnectedError
	if !errors.As(err, &disconnected) {
		t.Fatalf("expected ConsumerDisconnectedError, got %v", err)
	}
	if p.CurrentState() != Terminated {
		t.Fatalf("expected TERMINATED, got %s", p.CurrentState())
	}
	if rc.terminateCalls != 1 {
		t.Fatalf("expected exactly one OnTerminate call, got %d", rc.terminateCalls)
	}
}

// S6 — Channel inactive before subscribe, then delayed tear-down.
//
// The literal transition table (spec.md §4.3) has BUFFERING's
// ChannelInactive terminate immediately ("release+terminate"), rather than
// scheduling a delayed tear-down the way BUFFERING_COMPLETED and
// EMITTING_BUFFERED_CONTENT do. This test asserts the scenario's observable
// outcome (buffer released exactly once, OnTerminate fires exactly once, no
// subscriber ever signaled) which holds either way; see DESIGN.md for the
// discrepancy between this and the scenario's narrative description.
func TestScenarioChannelInactiveBeforeSubscribe(t *testing.T) {
	p, rc := newTestProducer()
	a := buf("A")

	p.NewChunk(a)
	cause := errors.New("connection reset")
	p.ChannelInactive(cause)

	if a.released != 1 {
		t.Fatalf("expected buffer released exactly once, got %d", a.released)
	}
	if p.CurrentState() != Terminated {
		t.Fatalf("expected TERMINATED, got %s", p.CurrentState())
	}
	if rc.terminateCalls != 1 || rc.terminateCause != cause {
		t.Fatalf("expected exactly one OnTerminate(%v), got %d calls with cause %v", cause, rc.terminateCalls, rc.terminateCause)
	}
}

// Exercises the literal BUFFERING_COMPLETED delayed-tear-down path named in
// spec.md §4.3.
func TestDelayedTearDownAfterBufferingCompleted(t *testing.T) {
	p, rc := newTestProducer()
	a := buf("A")

	p.NewChunk(a)
	p.LastHTTPContent()
	if p.CurrentState() != BufferingCompleted {
		t.Fatalf("expected BUFFERING_COMPLETED, got %s", p.CurrentState())
	}

	p.ChannelInactive(errors.New("connection reset"))
	if p.CurrentState() != BufferingCompleted {
		t.Fatalf("expected state unchanged pending grace window, got %s", p.CurrentState())
	}
	if rc.tearDownCalls != 1 {
		t.Fatalf("expected delayedTearDownAction invoked once, got %d", rc.tearDownCalls)
	}
	if a.released != 0 {
		t.Fatalf("expected buffer not yet released, got %d", a.released)
	}

	cause := &ResponseTimeoutError{Origin: "origin-1", Reason: "no subscriber attached"}
	p.TearDownResources(cause)

	if a.released != 1 {
		t.Fatalf("expected buffer released exactly once, got %d", a.released)
	}
	if p.CurrentState() != Terminated {
		t.Fatalf("expected TERMINATED, got %s", p.CurrentState())
	}
	if rc.terminateCalls != 1 || rc.terminateCause != error(cause) {
		t.Fatalf("expected OnTerminate(%v) exactly once, got %d calls with cause %v", cause, rc.terminateCalls, rc.terminateCause)
	}
}

// Spurious chunks after ContentEnd are logged and released without
// changing state (spec.md §4.3 "Spurious chunks").
func TestSpuriousChunkAfterContentEnd(t *testing.T) {
	p, _ := newTestProducer()
	p.LastHTTPContent()
	if p.CurrentState() != BufferingCompleted {
		t.Fatalf("expected BUFFERING_COMPLETED, got %s", p.CurrentState())
	}

	late := buf("late")
	p.NewChunk(late)

	if late.released != 1 {
		t.Fatalf("expected spurious chunk released exactly once, got %d", late.released)
	}
	if p.CurrentState() != BufferingCompleted {
		t.Fatalf("expected state unchanged, got %s", p.CurrentState())
	}
	if p.ReceivedChunks() != 0 {
		t.Fatalf("spurious chunks must not count as received, got %d", p.ReceivedChunks())
	}
}

// P4 — demand is never negative and never exceeds MAX; an over-large
// request saturates rather than wrapping.
func TestDemandSaturatesAtMax(t *testing.T) {
	var d demandCounter
	d.add(5)
	d.add(unboundedDemand)
	if d.load() != unboundedDemand {
		t.Fatalf("expected saturation to unboundedDemand, got %d", d.load())
	}
	d.add(1)
	if d.load() != unboundedDemand {
		t.Fatalf("expected demand to remain unbounded, got %d", d.load())
	}
}

// P6 — askForMore is called whenever queue depth drops below the
// threshold after an enqueue, and never unconditionally: neither the first
// chunk nor a second one arriving while the first is still queued
// (pre-subscription) may trigger a call.
func TestAskForMoreGatedByQueueDepth(t *testing.T) {
	p, rc := newTestProducer()

	p.NewChunk(buf("A"))
	if rc.askForMoreCalls != 0 {
		t.Fatalf("expected no askForMore while nothing is draining the queue, got %d", rc.askForMoreCalls)
	}
	p.NewChunk(buf("B"))
	if rc.askForMoreCalls != 0 {
		t.Fatalf("expected askForMore still gated at queue depth 2, got %d", rc.askForMoreCalls)
	}
}

// P3 — no buffer is released more than once; queue is empty in the end
// state.
func TestNoDoubleReleaseOnTermination(t *testing.T) {
	p, _ := newTestProducer()
	a, b := buf("A"), buf("B")
	p.NewChunk(a)
	p.NewChunk(b)

	p.ChannelException(errors.New("boom"))

	if a.released != 1 || b.released != 1 {
		t.Fatalf("expected each buffer released exactly once, got a=%d b=%d", a.released, b.released)
	}
	if p.queue.len() != 0 {
		t.Fatalf("expected queue empty after termination, got depth %d", p.queue.len())
	}
}
