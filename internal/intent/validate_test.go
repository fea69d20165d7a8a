package intent

import (
	"strings"
	"testing"

	"github.com/portward/portward/internal/store"
)

func validIntent() store.Intent {
	return store.Intent{
		Name:            "nightly",
		ScheduleKind:    store.ScheduleScheduled,
		ScheduleCron:    "0 3 * * *",
		MatchContainers: []string{"web-*"},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validIntent()); err != nil {
		t.Errorf("valid intent rejected: %v", err)
	}

	in := validIntent()
	in.ScheduleKind = store.ScheduleImmediate
	in.ScheduleCron = ""
	if err := Validate(in); err != nil {
		t.Errorf("immediate intent rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.Intent)
	}{
		{"empty name", func(in *store.Intent) { in.Name = "" }},
		{"name too long", func(in *store.Intent) { in.Name = strings.Repeat("x", 101) }},
		{"bad schedule kind", func(in *store.Intent) { in.ScheduleKind = "hourly" }},
		{"scheduled without cron", func(in *store.Intent) { in.ScheduleCron = "" }},
		{"six-field cron", func(in *store.Intent) { in.ScheduleCron = "0 0 3 * * *" }},
		{"nonsense cron", func(in *store.Intent) { in.ScheduleCron = "every day" }},
		{"no match criteria", func(in *store.Intent) {
			in.MatchContainers = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validIntent()
			tt.mutate(&in)
			if err := Validate(in); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateAnyMatchArraySuffices(t *testing.T) {
	in := validIntent()
	in.MatchContainers = nil
	in.MatchInstances = []uint64{7}
	if err := Validate(in); err != nil {
		t.Errorf("instance-only criteria rejected: %v", err)
	}
}
