package notify

import "context"

// filteredNotifier narrows a channel's delivery to the event types its
// subscription names. BuildFilteredNotifier skips the wrapper for channels
// without a subscription, so the empty-set passthrough in Send only matters
// for callers constructing the filter directly.
type filteredNotifier struct {
	inner Notifier
	wants map[EventType]bool
}

func newFilteredNotifier(inner Notifier, subscribed []string) *filteredNotifier {
	wants := make(map[EventType]bool, len(subscribed))
	for _, s := range subscribed {
		wants[EventType(s)] = true
	}
	return &filteredNotifier{inner: inner, wants: wants}
}

// Name reports the wrapped provider's name so Multi's failure logs point at
// the channel, not the filter.
func (f *filteredNotifier) Name() string { return f.inner.Name() }

// Send drops events outside the subscription and forwards the rest.
func (f *filteredNotifier) Send(ctx context.Context, event Event) error {
	if len(f.wants) > 0 && !f.wants[event.Type] {
		return nil
	}
	return f.inner.Send(ctx, event)
}
