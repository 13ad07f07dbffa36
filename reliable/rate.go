package reliable

import "time"

// RateController tracks an estimated send rate in bytes/sec, bounded to
// [minRate, maxRate], adjusted multiplicative-decrease-on-loss /
// additive-increase-per-RTT, and paces sends so bytes sent in a window
// never exceed rate*window.
type RateController struct {
	minRate, maxRate float64 // bytes/sec
	rate             float64

	increasePerRTT float64 // bytes/sec added per healthy RTT

	windowStart time.Time
	windowSent  int64
	windowLen   time.Duration

	lastRTTCheck time.Time
	minObservedRTT time.Duration
}

// NewRateController starts at minRate, the conservative choice before
// any loss/RTT signal has been observed.
func NewRateController(minRate, maxRate, increasePerRTT int, windowLen time.Duration) *RateController {
	return &RateController{
		minRate:        float64(minRate),
		maxRate:        float64(maxRate),
		rate:           float64(minRate),
		increasePerRTT: float64(increasePerRTT),
		windowLen:      windowLen,
	}
}

func (r *RateController) Rate() int { return int(r.rate) }

func (r *RateController) clamp() {
	if r.rate < r.minRate {
		r.rate = r.minRate
	}
	if r.rate > r.maxRate {
		r.rate = r.maxRate
	}
}

// OnLossDetected halves the rate (packet loss over threshold, or an
// ECN-CE mark).
func (r *RateController) OnLossDetected() {
	r.rate *= 0.5
	r.clamp()
}

// OnRTTSample folds in a fresh RTT measurement: if it exceeds twice the
// minimum RTT observed so far, treat it as a delay-based congestion
// signal and halve the rate; otherwise, once per RTT, additively
// increase.
func (r *RateController) OnRTTSample(now time.Time, rtt time.Duration) {
	if r.minObservedRTT == 0 || rtt < r.minObservedRTT {
		r.minObservedRTT = rtt
	}
	if rtt > 2*r.minObservedRTT {
		r.rate *= 0.5
		r.clamp()
		return
	}
	if r.lastRTTCheck.IsZero() || now.Sub(r.lastRTTCheck) >= rtt {
		r.rate += r.increasePerRTT
		r.clamp()
		r.lastRTTCheck = now
	}
}

// AllowSend reports whether n more bytes may be sent right now without
// exceeding rate*windowLen, resetting the accounting window as it rolls
// over.
func (r *RateController) AllowSend(now time.Time, n int) bool {
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.windowLen {
		r.windowStart = now
		r.windowSent = 0
	}
	budget := r.rate * r.windowLen.Seconds()
	return float64(r.windowSent+int64(n)) <= budget
}

// RecordSent accounts for n bytes sent within the current window.
func (r *RateController) RecordSent(n int) {
	r.windowSent += int64(n)
}
