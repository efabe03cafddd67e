package session

import (
	"testing"

	"github.com/vrs-kit/vrs/internal/service"
)

func TestAggregatePrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []string
		want     Verdict
	}{
		{name: "empty", statuses: nil, want: VerdictNotSet},
		{name: "all new", statuses: []string{"new", "new"}, want: VerdictNew},
		{name: "single new", statuses: []string{"new"}, want: VerdictNew},
		{name: "new and passed", statuses: []string{"new", "passed"}, want: VerdictPassed},
		{name: "new and failed", statuses: []string{"new", "failed"}, want: VerdictFailed},
		{name: "blinking and passed", statuses: []string{"blinking", "passed"}, want: VerdictPassed},
		{name: "only blinking", statuses: []string{"blinking"}, want: VerdictPassed},
		{name: "failed alone", statuses: []string{"failed"}, want: VerdictFailed},
		{name: "failed dominates", statuses: []string{"passed", "blinking", "new", "failed"}, want: VerdictFailed},
		{name: "only pending", statuses: []string{"pending"}, want: VerdictNotSet},
		{name: "pending and passed", statuses: []string{"pending", "passed"}, want: VerdictPassed},
		{name: "new and pending", statuses: []string{"new", "pending"}, want: VerdictPassed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Aggregate(tt.statuses); got != tt.want {
				t.Fatalf("Aggregate(%v) = %q, want %q", tt.statuses, got, tt.want)
			}
		})
	}
}

func TestSummarizeCountsBlinkingGroups(t *testing.T) {
	t.Parallel()

	result := Summarize(map[string]service.Group{
		"a": {Status: "blinking"},
		"b": {Status: "passed"},
		"c": {Status: "blinking"},
	})
	if result.Verdict != VerdictPassed {
		t.Fatalf("verdict = %q, want %q", result.Verdict, VerdictPassed)
	}
	if result.BlinkingCount != 2 {
		t.Fatalf("blinking = %d, want 2", result.BlinkingCount)
	}
	if result.Groups != 3 {
		t.Fatalf("groups = %d, want 3", result.Groups)
	}
}
