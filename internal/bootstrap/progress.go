package bootstrap

import (
	"math"
	"time"
)

// The overall percentage maps byte progress into a fixed band: the head is
// reserved for directory preparation, the tail for backend startup.
const (
	percentFloor   = 8
	percentCeiling = 86
)

// overallPercent converts aggregate byte progress to the reported percentage.
func overallPercent(copied, total int64) int {
	if total < 1 {
		total = 1
	}
	p := int(math.Round(percentFloor + (percentCeiling-percentFloor)*float64(copied)/float64(total)))
	if p < percentFloor {
		p = percentFloor
	}
	if p > percentCeiling {
		p = percentCeiling
	}
	return p
}

// emitThrottle rate-limits progress updates. State-defining transitions pass
// force=true and always go through.
type emitThrottle struct {
	interval time.Duration
	last     time.Time
}

func newEmitThrottle(interval time.Duration) *emitThrottle {
	return &emitThrottle{interval: interval}
}

func (t *emitThrottle) Allow(now time.Time, force bool) bool {
	if force || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	return false
}
