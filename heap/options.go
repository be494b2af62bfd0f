package heap

import "time"

// GCHooks connects the embedding runtime's object model to the collector.
// Both hooks are optional; the zero value treats every root that is not an
// ObjectID as opaque and charges allocations by payload length.
type GCHooks struct {
	// SizeOf overrides the nursery accounting for an allocation's payload.
	SizeOf func(data []byte) uint64
	// Trace reports the ids reachable from a pushed root that is not
	// itself an ObjectID.
	Trace func(root interface{}, visit func(ObjectID))
}

// Options configures an Engine. Zero fields get defaults from NewEngine.
type Options struct {
	// NurseryCapacity is the per-thread young-object arena in bytes.
	NurseryCapacity uint64
	// StripeCount sizes the commit lock table.
	StripeCount int
	Hooks       GCHooks

	// PressureInterval is how often host memory is sampled. Zero disables
	// the pressure monitor.
	PressureInterval time.Duration
	// PressureThreshold is the used-memory percentage past which running
	// transactions are asked to commit soon.
	PressureThreshold float64

	// SnapshotBytesPerSec paces snapshot writes. Zero means unpaced.
	SnapshotBytesPerSec int64
}

const (
	defaultNurseryCapacity   = 4 << 20
	defaultStripeCount       = 64
	defaultPressureThreshold = 90.0
)

func (opts *Options) fillDefaults() {
	if opts.NurseryCapacity == 0 {
		opts.NurseryCapacity = defaultNurseryCapacity
	}
	if opts.StripeCount <= 0 {
		opts.StripeCount = defaultStripeCount
	}
	if opts.PressureThreshold == 0 {
		opts.PressureThreshold = defaultPressureThreshold
	}
}
