package bodypipeline

import "fmt"

// ConsumerDisconnectedError is delivered to the subscriber when it
// unsubscribes before the producer reaches a terminal state on its own.
type ConsumerDisconnectedError struct {
	Message           string
	StateAtDisconnect ProducerState
}

func (e *ConsumerDisconnectedError) Error() string {
	return fmt.Sprintf("%s (state at disconnect: %s)", e.Message, e.StateAtDisconnect)
}

// ResponseTimeoutError carries the grace-period expiry cause delivered by
// DelayedTearDown when no subscriber ever attached after the channel closed.
type ResponseTimeoutError struct {
	Origin        string
	Reason        string
	ReceivedBytes  uint64
	ReceivedChunks uint64
	EmittedBytes   uint64
	EmittedChunks  uint64
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf(
		"response timeout from %s: %s (received %d bytes/%d chunks, emitted %d bytes/%d chunks)",
		e.Origin, e.Reason, e.ReceivedBytes, e.ReceivedChunks, e.EmittedBytes, e.EmittedChunks,
	)
}

// IllegalStateError reports a contract violation, such as a second
// subscription attempt.
type IllegalStateError struct {
	Message string
}

func (e *IllegalStateError) Error() string {
	return e.Message
}

var errSecondSubscriber = &IllegalStateError{Message: "onSubscribed called with a subscriber already attached"}
var errSubscribeAfterTerminal = &IllegalStateError{Message: "onSubscribed called after the producer reached a terminal state"}
