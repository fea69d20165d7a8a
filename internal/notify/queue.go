package notify

import "context"

// queueCapacity bounds how many pending notifications can sit unprocessed.
// A full queue drops new events rather than blocking the producing sweep or
// execution.
const queueCapacity = 256

// Queue decouples producers from delivery: events go into a bounded channel
// consumed by a single worker, so slow providers never stall an upgrade.
type Queue struct {
	multi *Multi
	log   Logger
	ch    chan Event
}

// NewQueue creates a queue in front of the given dispatcher. Call Run to
// start delivery.
func NewQueue(multi *Multi, log Logger) *Queue {
	return &Queue{
		multi: multi,
		log:   log,
		ch:    make(chan Event, queueCapacity),
	}
}

// Enqueue submits an event for delivery. Never blocks; when the queue is
// full the event is dropped with an error log.
func (q *Queue) Enqueue(event Event) {
	select {
	case q.ch <- event:
	default:
		q.log.Error("notification queue full, dropping event",
			"event", string(event.Type), "container", event.ContainerName)
	}
}

// Run delivers queued events until the context is cancelled. Delivery order
// is FIFO; each event fans out through the dispatcher before the next one
// starts.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-q.ch:
			q.multi.Notify(ctx, event)
		}
	}
}
