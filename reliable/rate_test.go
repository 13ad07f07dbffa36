package reliable

import (
	"testing"
	"time"
)

func TestRateControllerStartsAtMin(t *testing.T) {
	r := NewRateController(1000, 100000, 500, 250*time.Millisecond)
	if r.Rate() != 1000 {
		t.Fatalf("expected initial rate to be minRate, got %d", r.Rate())
	}
}

func TestRateControllerLossHalvesRate(t *testing.T) {
	r := NewRateController(1000, 100000, 500, 250*time.Millisecond)
	r.rate = 10000
	r.OnLossDetected()
	if r.Rate() != 5000 {
		t.Fatalf("expected rate halved to 5000, got %d", r.Rate())
	}
}

func TestRateControllerLossClampsToMin(t *testing.T) {
	r := NewRateController(1000, 100000, 500, 250*time.Millisecond)
	r.rate = 1500
	r.OnLossDetected()
	if r.Rate() != 1000 {
		t.Fatalf("expected rate clamped to minRate 1000, got %d", r.Rate())
	}
}

func TestRateControllerAdditiveIncreasePerRTT(t *testing.T) {
	r := NewRateController(1000, 100000, 500, 250*time.Millisecond)
	now := time.Now()
	rtt := 50 * time.Millisecond

	r.OnRTTSample(now, rtt)
	if r.Rate() != 1500 {
		t.Fatalf("expected first RTT sample to increase rate to 1500, got %d", r.Rate())
	}

	// A second sample before a full RTT interval has elapsed should not increase again.
	r.OnRTTSample(now.Add(10*time.Millisecond), rtt)
	if r.Rate() != 1500 {
		t.Fatalf("expected no increase within same RTT interval, got %d", r.Rate())
	}

	// After a full RTT interval, another increase should apply.
	r.OnRTTSample(now.Add(60*time.Millisecond), rtt)
	if r.Rate() != 2000 {
		t.Fatalf("expected increase to 2000 after RTT interval elapsed, got %d", r.Rate())
	}
}

func TestRateControllerDelayBasedHalving(t *testing.T) {
	r := NewRateController(1000, 100000, 500, 250*time.Millisecond)
	now := time.Now()
	r.rate = 8000
	r.OnRTTSample(now, 20*time.Millisecond) // establishes minObservedRTT
	r.rate = 8000                           // reset after the increase from establishing baseline
	r.OnRTTSample(now.Add(time.Second), 50*time.Millisecond) // > 2x minObservedRTT
	if r.Rate() != 4000 {
		t.Fatalf("expected delay-based halving to 4000, got %d", r.Rate())
	}
}

func TestRateControllerAllowSendWindowAccounting(t *testing.T) {
	r := NewRateController(1000, 100000, 500, time.Second)
	now := time.Now()
	if !r.AllowSend(now, 500) {
		t.Fatal("expected send within budget to be allowed")
	}
	r.RecordSent(500)
	if !r.AllowSend(now, 500) {
		t.Fatal("expected second send filling budget exactly to be allowed")
	}
	r.RecordSent(500)
	if r.AllowSend(now, 1) {
		t.Fatal("expected send exceeding budget to be denied")
	}
	// After the window rolls over, budget resets.
	if !r.AllowSend(now.Add(2*time.Second), 500) {
		t.Fatal("expected send to be allowed again after window rollover")
	}
}
