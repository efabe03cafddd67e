package session

import (
	"sort"
	"strings"

	"github.com/vrs-kit/vrs/internal/service"
)

// Verdict is the single status reported for a session.
type Verdict string

const (
	// VerdictNotSet is reported when no rule applies, including for no groups.
	VerdictNotSet Verdict = "not set"
	// VerdictNew is reported when every group is new.
	VerdictNew Verdict = "New"
	// VerdictPassed is reported when nothing failed and something passed, was new or blinked.
	VerdictPassed Verdict = "Passed"
	// VerdictFailed is reported when any group failed.
	VerdictFailed Verdict = "Failed"
)

// Result is a computed verdict with the blinking group count at that moment.
type Result struct {
	Verdict       Verdict
	BlinkingCount int
	Groups        int
}

// Aggregate reduces group statuses to one verdict.
//
// The rules are applied in order and each applicable rule overwrites the
// previous outcome, so the last match wins: any new, any blinking and any
// passed give Passed when nothing failed, all-new gives New, and any failed
// gives Failed.
func Aggregate(statuses []string) Verdict {
	anyFailed := hasStatus(statuses, service.StatusFailed)
	verdict := VerdictNotSet

	if hasStatus(statuses, service.StatusNew) && !anyFailed {
		verdict = VerdictPassed
	}
	if hasStatus(statuses, service.StatusBlinking) && !anyFailed {
		verdict = VerdictPassed
	}
	if hasStatus(statuses, service.StatusPassed) && !anyFailed {
		verdict = VerdictPassed
	}
	if len(statuses) > 0 && allStatus(statuses, service.StatusNew) {
		verdict = VerdictNew
	}
	if anyFailed {
		verdict = VerdictFailed
	}
	return verdict
}

// Summarize aggregates grouped check statuses and counts blinking groups.
func Summarize(groups map[string]service.Group) Result {
	statuses := GroupStatuses(groups)
	return Result{
		Verdict:       Aggregate(statuses),
		BlinkingCount: countStatus(statuses, service.StatusBlinking),
		Groups:        len(statuses),
	}
}

// GroupStatuses returns group statuses in group-name order.
func GroupStatuses(groups map[string]service.Group) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]string, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, strings.TrimSpace(groups[name].Status.String()))
	}
	return statuses
}

func hasStatus(statuses []string, want string) bool {
	return countStatus(statuses, want) > 0
}

func allStatus(statuses []string, want string) bool {
	return countStatus(statuses, want) == len(statuses)
}

func countStatus(statuses []string, want string) int {
	count := 0
	for _, status := range statuses {
		if status == want {
			count++
		}
	}
	return count
}

func anyPending(statuses []string) bool {
	return hasStatus(statuses, service.StatusPending)
}
