package executor

import (
	"context"
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// CapabilityState is the memoised availability of the command-line helper.
type CapabilityState int32

const (
	CapabilityUnknown CapabilityState = iota
	CapabilityAvailable
	CapabilityUnavailable
)

func (s CapabilityState) String() string {
	switch s {
	case CapabilityAvailable:
		return "available"
	case CapabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (s CapabilityState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Detector reports whether the command-line strategy can run here.
// Probe must not change system state and must not panic; any failure
// means "not available".
type Detector interface {
	Probe(ctx context.Context) bool
}

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(ctx context.Context) bool

func (f DetectorFunc) Probe(ctx context.Context) bool { return f(ctx) }

const defaultProbeTimeout = 10 * time.Second

// HelperDetector looks the helper and the ssh client up in PATH and asks
// the helper for its version.
type HelperDetector struct {
	Helper  string
	SSH     string
	Timeout time.Duration
}

func NewHelperDetector(helper, sshBinary string) *HelperDetector {
	if helper == "" {
		helper = DefaultHelper
	}
	if sshBinary == "" {
		sshBinary = DefaultSSHBinary
	}
	return &HelperDetector{Helper: helper, SSH: sshBinary, Timeout: defaultProbeTimeout}
}

func (d *HelperDetector) Probe(ctx context.Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	helperPath, err := exec.LookPath(d.Helper)
	if err != nil {
		return false
	}
	if _, err := exec.LookPath(d.SSH); err != nil {
		return false
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return exec.CommandContext(ctx, helperPath, "-V").Run() == nil
}

// CapabilityCache memoises one Detector outcome for the lifetime of its
// owner. Concurrent callers share a single in-flight probe; once a terminal
// state is stored it never changes.
type CapabilityCache struct {
	detector Detector
	state    atomic.Int32
	group    singleflight.Group
}

func NewCapabilityCache(d Detector) *CapabilityCache {
	return &CapabilityCache{detector: d}
}

// NewResolvedCache returns a cache that already holds state and will never
// probe.
func NewResolvedCache(state CapabilityState) *CapabilityCache {
	c := &CapabilityCache{}
	c.state.Store(int32(state))
	return c
}

// State reads the cached value without probing.
func (c *CapabilityCache) State() CapabilityState {
	return CapabilityState(c.state.Load())
}

// Resolve returns the cached state, running the detector first if the
// state is still unknown.
func (c *CapabilityCache) Resolve(ctx context.Context) CapabilityState {
	if s := c.State(); s != CapabilityUnknown {
		return s
	}
	// the probe outlives a cancelled caller so one impatient request
	// cannot pin the cache to "unavailable"
	probeCtx := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do("probe", func() (any, error) {
		if s := c.State(); s != CapabilityUnknown {
			return s, nil
		}
		next := CapabilityUnavailable
		if c.probe(probeCtx) {
			next = CapabilityAvailable
		}
		c.state.CompareAndSwap(int32(CapabilityUnknown), int32(next))
		return c.State(), nil
	})
	return v.(CapabilityState)
}

func (c *CapabilityCache) probe(ctx context.Context) (ok bool) {
	if c.detector == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.detector.Probe(ctx)
}
