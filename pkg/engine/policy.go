package engine

// FilterPolicy governs how a policy-dependent condition is handled:
// silently tolerated, tolerated with a warning, or treated as a
// rejection.
type FilterPolicy int

const (
	// Accept carries on as if the condition hadn't occurred.
	Accept FilterPolicy = iota
	// Warn carries on but records the condition in a metric; for unsafe
	// payload it also logs a warning, for a stale manifest it does not.
	Warn
	// Reject treats the condition as fatal to the affected object or
	// publication point.
	Reject
)

func (p FilterPolicy) String() string {
	switch p {
	case Accept:
		return "accept"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Policy bundles the run-wide knobs a validation run is configured
// with. Defaults mirror common relying-party deployments.
type Policy struct {
	// ValidationThreads is the size of the fixed worker pool draining
	// the task queue.
	ValidationThreads int

	// MaxCADepth refuses to build a CaCert whose chain length from its
	// trust anchor would exceed this value.
	MaxCADepth int

	// Stale governs manifests whose nextUpdate has passed.
	Stale FilterPolicy

	// UnsafeVRPs governs payload items covered by a CA whose
	// publication point was rejected this run.
	UnsafeVRPs FilterPolicy

	// Strict is carried with the policy, but no decoding or validation
	// step reads it: the same rules apply whether it is set or not.
	Strict bool
}

// DefaultPolicy returns the policy a standalone validator run uses when
// the operator hasn't overridden anything.
func DefaultPolicy() Policy {
	return Policy{
		ValidationThreads: 4,
		MaxCADepth:        32,
		Stale:             Reject,
		UnsafeVRPs:        Reject,
		Strict:            false,
	}
}
