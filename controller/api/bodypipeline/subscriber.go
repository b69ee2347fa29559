package bodypipeline

// Subscriber is the reactive downstream consumer: once attached via
// onSubscribed, it pulls bytes by calling request(n) and receives OnNext,
// OnComplete, or OnError notifications. At most one Subscriber is ever
// accepted by a Producer (spec.md I4).
type Subscriber interface {
	// OnNext delivers one buffer; ownership transfers to the subscriber.
	OnNext(b Buffer)
	// OnComplete is delivered exactly once, on success, and is the last
	// signal the subscriber will ever receive.
	OnComplete()
	// OnError is delivered exactly once, on failure, and is the last
	// signal the subscriber will ever receive.
	OnError(cause error)
}

// Collaborators are the transport-facing contracts a Producer calls into.
// All must be non-blocking (spec.md §5).
type Collaborators struct {
	// AskForMore requests more bytes from the network. Idempotent; safe to
	// call multiple times per enqueue.
	AskForMore func()
	// OnComplete is invoked exactly once if and only if the producer
	// reaches Completed.
	OnComplete func()
	// OnTerminate is invoked exactly once if and only if the producer
	// reaches Terminated.
	OnTerminate func(cause error)
	// OnDelayedTearDown is invoked at most once; the caller guarantees
	// that, after a delay, a DelayedTearDown event arrives unless the
	// producer has already terminated.
	OnDelayedTearDown func()
}

func (c Collaborators) askForMore() {
	if c.AskForMore != nil {
		c.AskForMore()
	}
}

func (c Collaborators) onComplete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

func (c Collaborators) onTerminate(cause error) {
	if c.OnTerminate != nil {
		c.OnTerminate(cause)
	}
}

func (c Collaborators) onDelayedTearDown() {
	if c.OnDelayedTearDown != nil {
		c.OnDelayedTearDown()
	}
}
