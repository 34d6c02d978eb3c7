package prediction

import "time"

const (
	startingProgress   = 0.10
	processingProgress = 0.20
	timeEstimateCap    = 0.95
)

// timeEstimate never reaches 1.0 so it cannot imply completion.
func timeEstimate(elapsed, total time.Duration) float64 {
	if total <= 0 || elapsed <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(total)
	if p > timeEstimateCap {
		return timeEstimateCap
	}
	return p
}

// statusEstimate returns the progress candidate implied by s, whether s
// stops the time estimator, and whether s contributes a candidate at all.
func statusEstimate(s Status, current float64) (candidate float64, stopTimer bool, ok bool) {
	switch s {
	case StatusStarting:
		return startingProgress, false, true
	case StatusProcessing:
		return max(current, processingProgress), false, true
	case StatusSucceeded:
		return 1.0, true, true
	case StatusFailed, StatusCanceled:
		return current, true, false
	default:
		return current, false, false
	}
}

// meter is the published progress value. raise is the only way to change it
// while a job runs, so it never decreases.
type meter struct {
	value float64
}

func (m *meter) raise(candidate float64) bool {
	if candidate > 1 {
		candidate = 1
	}
	if candidate > m.value {
		m.value = candidate
		return true
	}
	return false
}

func (m *meter) reset() {
	m.value = 0
}
