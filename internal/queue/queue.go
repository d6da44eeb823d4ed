package queue

import (
	"context"
	"errors"
	"fmt"
)

const (
	// TransitionsQueue carries TransitionEvent messages to downstream consumers.
	TransitionsQueue = "tarjeta_registro.transitions"
	// SubmissionsQueue carries SubmissionRequest messages from the reservation system.
	SubmissionsQueue = "tarjeta_registro.submissions"
)

// ErrRejectMessage marks a handler failure that redelivery cannot fix; the
// message is dead-lettered instead of requeued.
var ErrRejectMessage = errors.New("reject message")

// Publisher publishes transition events.
type Publisher interface {
	PublishTransition(ctx context.Context, event TransitionEvent) error
	Close() error
}

// SubmissionHandler handles a consumed submission request.
type SubmissionHandler func(ctx context.Context, req SubmissionRequest) error

// Consumer consumes submission requests.
type Consumer interface {
	ConsumeSubmissions(ctx context.Context, handler SubmissionHandler) error
	Close() error
}

// DLQName returns the dead-letter queue of a work queue, e.g. dlq.tarjeta_registro.transitions.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns every work queue the service declares.
func WorkQueueNames() []string {
	return []string{TransitionsQueue, SubmissionsQueue}
}

// DLQNames returns the dead-letter queue of every work queue.
func DLQNames() []string {
	work := WorkQueueNames()
	queues := make([]string, 0, len(work))
	for _, q := range work {
		queues = append(queues, DLQName(q))
	}
	return queues
}
