package producer

import (
	"errors"
	"fmt"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka"
)

// Op identifies the stage at which a message failed.
type Op string

const (
	OpSend    Op = "send"
	OpDeliver Op = "deliver"
)

// ErrDeliveryTimeout is wrapped by DeliveryError when no report arrived
// within Config.MessageTimeout.
var ErrDeliveryTimeout = errors.New("delivery report timed out")

// DeliveryError aborts a batch: message ID could not be sent or its
// delivery was not confirmed.
type DeliveryError struct {
	ID    int32
	Topic string
	Op    Op
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("kafka producer: %s message %d to %q: %v", e.Op, e.ID, e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// CollisionError reports two messages acknowledged at the same position.
// Seeing it means the client or broker broke its contract.
type CollisionError struct {
	Topic    string
	Position kafka.Position
	First    int32
	Second   int32
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("kafka producer: messages %d and %d both acknowledged at %s in %q",
		e.First, e.Second, e.Position, e.Topic)
}
