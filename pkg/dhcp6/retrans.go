package dhcp6

import (
	"math/rand"
	"time"
)

// jitterFraction is RFC 3315 §14's RAND magnitude: retransmission
// timeouts are randomized by up to ±10%.
const jitterFraction = 0.1

// retransSpec is the fixed per-exchange-kind IRT/MRT/MRC/MRD tuple from
// spec.md §4.5's transition table (RFC 3315 §14 and §18.1.x/§18.2.x).
// A zero MRT means unbounded growth; a zero MRC means unlimited
// retries; a zero MRD means no duration bound (the caller may still set
// one dynamically, as Renew/Rebind do against T2/valid lifetime).
type retransSpec struct {
	irt             time.Duration
	mrt             time.Duration
	mrc             int
	mrd             time.Duration
	initialDelayMax time.Duration // SOL_MAX_DELAY-style jitter before the first send; 0 = send immediately
}

var retransDefaults = map[MessageType]retransSpec{
	MessageSolicit:            {irt: time.Second, mrt: 120 * time.Second, initialDelayMax: time.Second},
	MessageRequest:            {irt: time.Second, mrt: 30 * time.Second, mrc: 10},
	MessageConfirm:            {irt: time.Second, mrt: 4 * time.Second, mrd: 10 * time.Second, initialDelayMax: time.Second},
	MessageRenew:              {irt: 10 * time.Second, mrt: 600 * time.Second},
	MessageRebind:             {irt: 10 * time.Second, mrt: 600 * time.Second},
	MessageInformationRequest: {irt: time.Second, mrt: 120 * time.Second, initialDelayMax: time.Second},
	MessageRelease:            {irt: time.Second, mrc: 5},
	MessageDecline:            {irt: time.Second, mrc: 5},
}

// retransState is the live retransmission bookkeeping for whichever
// exchange a Device is currently running, spec.md §3's Retransmission
// State.
type retransState struct {
	kind     MessageType
	spec     retransSpec
	rt       time.Duration // current retransmission timeout
	count    int           // transmissions sent so far, including the first
	start    time.Time
	deadline time.Time // zero if spec.mrd == 0 and no dynamic bound was set
	first    bool      // true until the first RT has been armed
}

// randomFraction draws a value uniformly from [min, max]; when min is 0
// it instead draws from the open interval (0, max], matching spec.md
// §4.5's rule that the very first Solicit retransmission in Selecting
// must get strictly positive jitter so RT0 > IRT, never RT0 == IRT.
func randomFraction(rng *rand.Rand, min, max float64) float64 {
	if min == 0 {
		f := rng.Float64()
		if f <= 0 {
			f = 1e-6
		}
		return f * max
	}
	return min + rng.Float64()*(max-min)
}

func randomizeDuration(rng *rand.Rand, base time.Duration, min, max float64) time.Duration {
	frac := randomFraction(rng, min, max)
	return base + time.Duration(float64(base)*frac)
}

// newRetransState starts retransmission bookkeeping for one exchange.
// dynamicDuration, if non-zero, overrides spec.mrd (used by Renew and
// Rebind, whose MRD tracks the lease's T2 or valid-lifetime boundary
// rather than a fixed constant).
func newRetransState(kind MessageType, clk Clock, dynamicDuration time.Duration) retransState {
	spec := retransDefaults[kind]
	rs := retransState{kind: kind, spec: spec, rt: spec.irt, start: clk.Now(), first: true}
	mrd := spec.mrd
	if dynamicDuration > 0 {
		mrd = dynamicDuration
	}
	if mrd > 0 {
		rs.deadline = rs.start.Add(mrd)
	}
	return rs
}

// arm computes the duration to wait before the next transmission:
// the very first RT (with the Selecting strict-jitter rule applied when
// firstInSelecting is set), or the doubled-and-clamped RT for every
// retransmission after that.
func (rs *retransState) arm(rng *rand.Rand, firstInSelecting bool) time.Duration {
	if rs.first {
		rs.first = false
		if firstInSelecting {
			rs.rt = randomizeDuration(rng, rs.spec.irt, 0, jitterFraction)
		} else {
			rs.rt = randomizeDuration(rng, rs.spec.irt, -jitterFraction, jitterFraction)
		}
		return rs.rt
	}
	prevRT := rs.rt
	base := 2 * prevRT
	scale := prevRT
	if rs.spec.mrt > 0 && base > rs.spec.mrt {
		base = rs.spec.mrt
		scale = rs.spec.mrt
	}
	// RFC 3315 §14: RTn = 2*RTprev + RAND*RTprev — the random term
	// scales against the prior RT, not against the doubled base —
	// and once that exceeds MRT, RT = MRT + RAND*MRT, so the random
	// term then scales against MRT.
	rs.rt = base + time.Duration(float64(scale)*randomFraction(rng, -jitterFraction, jitterFraction))
	return rs.rt
}

// advance records a retransmission about to go out and reports whether
// the exchange must now give up: MRC reached, or MRD's deadline already
// passed.
func (rs *retransState) advance(now time.Time) (giveUp bool, kind ErrorKind) {
	rs.count++
	if rs.spec.mrc > 0 && rs.count > rs.spec.mrc {
		return true, ErrMRCExceeded
	}
	if !rs.deadline.IsZero() && !now.Before(rs.deadline) {
		return true, ErrMRDExpired
	}
	return false, 0
}

// remaining reports the time left until the MRD deadline, or 0 if there
// is no deadline.
func (rs *retransState) remaining(now time.Time) time.Duration {
	if rs.deadline.IsZero() {
		return 0
	}
	d := rs.deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// initialDelay returns a randomized pre-first-send delay for exchanges
// that must not all fire in lockstep on network-wide events (Solicit,
// Confirm, Information-Request per RFC 3315 §18), or 0 when the
// exchange has no such delay.
func initialDelay(kind MessageType, rng *rand.Rand) time.Duration {
	spec := retransDefaults[kind]
	if spec.initialDelayMax <= 0 {
		return 0
	}
	return time.Duration(rng.Float64() * float64(spec.initialDelayMax))
}
