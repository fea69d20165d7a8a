package notify

import "context"

// LogNotifier mirrors every event into the process log. It is not a
// configurable channel: the web layer prepends it unconditionally so a
// delivery trail exists even when no channels are configured.
type LogNotifier struct {
	log Logger
}

func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Name() string { return "log" }

// Send records the event at info level, carrying only the fields the event
// actually has so sweep summaries don't log a tail of empty image keys.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	args := []any{"type", string(event.Type)}
	if event.ContainerName != "" {
		args = append(args, "container", event.ContainerName)
	}
	if event.IntentName != "" {
		args = append(args, "intent", event.IntentName)
	}
	if event.OldImage != "" || event.NewImage != "" {
		args = append(args, "old_image", event.OldImage, "new_image", event.NewImage)
	}
	if event.OldDigest != "" || event.NewDigest != "" {
		args = append(args, "old_digest", event.OldDigest, "new_digest", event.NewDigest)
	}
	if event.Summary != "" {
		args = append(args, "summary", event.Summary)
	}
	if event.Error != "" {
		args = append(args, "error", event.Error)
	}
	args = append(args, "timestamp", event.Timestamp.String())
	l.log.Info("notification event", args...)
	return nil
}
