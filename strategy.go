package quip

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// SupervisionStrategy is the rule for which siblings restart when one faults.
type SupervisionStrategy int

const (
	// OneForOne restarts only the faulting sibling.
	OneForOne SupervisionStrategy = iota
	// OneForAll stops then restarts every sibling, in declared order.
	OneForAll
	// RestForOne stops then restarts the faulting sibling and every sibling
	// declared after it, in declared order.
	RestForOne
)

func (s SupervisionStrategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	default:
		return "unknown"
	}
}

// ExhaustionPolicy is what a supervisor/group does once its restart-rate
// limit trips.
type ExhaustionPolicy int

const (
	// Escalate stops all direct children and posts Faulted(ExhaustedRestarts)
	// to the parent.
	Escalate ExhaustionPolicy = iota
	// Stop stops the subtree and notifies the parent via Stopped, not Faulted.
	Stop
)

func (e ExhaustionPolicy) String() string {
	switch e {
	case Escalate:
		return "escalate"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// RestartPolicy bounds how many restarts a supervisor or group will apply
// within a sliding window before invoking OnExhaustion.
type RestartPolicy struct {
	MaxRestarts  uint32
	Within       time.Duration
	OnExhaustion ExhaustionPolicy
}

// newRestartLimiter builds a sliding-window restart-rate limiter from
// policy, grounded on the pack's own go-catrate sliding-window limiter
// instead of a hand-rolled ring buffer of timestamps. A zero-value policy
// (MaxRestarts 0 or Within <= 0) yields a nil *catrate.Limiter, which is
// safe to call Allow on (catrate.Limiter's zero/nil receiver always allows)
// and is how "no rate limiting configured" is expressed.
func newRestartLimiter(policy RestartPolicy) *catrate.Limiter {
	if policy.MaxRestarts == 0 || policy.Within <= 0 {
		return nil
	}
	return catrate.NewLimiter(map[time.Duration]int{policy.Within: int(policy.MaxRestarts)})
}

// restartTargets returns, in declared order, the sibling indices (among n
// siblings declared in order) that strategy requires restarting when the
// sibling at subjectIndex faults.
func restartTargets(strategy SupervisionStrategy, subjectIndex, n int) []int {
	switch strategy {
	case OneForAll:
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	case RestForOne:
		out := make([]int, 0, n-subjectIndex)
		for i := subjectIndex; i < n; i++ {
			out = append(out, i)
		}
		return out
	case OneForOne:
		fallthrough
	default:
		return []int{subjectIndex}
	}
}
