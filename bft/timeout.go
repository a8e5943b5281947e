package bft

import (
	"math"
	"time"

	"github.com/canopy-network/hotshot/lib"
)

// TimeoutController implements the following truncated exponential backoff:
//
//	duration(r) = t_min * b ^ min((r-k) * θ(r-k), c), where c = log_b(t_max / t_min)
//
//	k - failed views tolerated on the happy path before the deadline grows
//	b - timeout adjustment factor
//	r - failed views counter
//	θ - Heaviside step function
//
// A timed out view increments r, a decided view decrements it; so deadlines grow exponentially
// through a run of failed leaders and shrink back once the chain makes progress again.
type TimeoutController struct {
	min, max    float64 // milliseconds
	factor      float64
	happyPath   uint64
	maxExponent float64
	r           uint64
}

// NewTimeoutController() creates a controller from the consensus config
func NewTimeoutController(c lib.ConsensusConfig) *TimeoutController {
	min, max := float64(c.MinViewTimeoutMS), float64(c.MaxViewTimeoutMS)
	maxExponent := 0.0
	if c.TimeoutAdjustmentFactor > 1 && max > min {
		// log_b(x) = log_e(x) / log_e(b)
		maxExponent = math.Log(max/min) / math.Log(c.TimeoutAdjustmentFactor)
	}
	return &TimeoutController{
		min:         min,
		max:         max,
		factor:      c.TimeoutAdjustmentFactor,
		happyPath:   c.HappyPathMaxRoundFailures,
		maxExponent: maxExponent,
	}
}

// Duration() returns the deadline of the next view
func (t *TimeoutController) Duration() time.Duration {
	return time.Duration(t.durationMS() * float64(time.Millisecond))
}

func (t *TimeoutController) durationMS() float64 {
	if t.r <= t.happyPath {
		return t.min
	}
	r := float64(t.r - t.happyPath)
	if r >= t.maxExponent {
		return t.max
	}
	return t.min * math.Pow(t.factor, r)
}

// OnTimeout() records a view that ended on its deadline
func (t *TimeoutController) OnTimeout() {
	if float64(t.r) >= t.maxExponent+float64(t.happyPath) {
		return
	}
	t.r++
}

// OnProgress() records a view decided before its deadline
func (t *TimeoutController) OnProgress() {
	if t.r > 0 {
		t.r--
	}
}

// FailedViews() returns the failed views counter
func (t *TimeoutController) FailedViews() uint64 { return t.r }
