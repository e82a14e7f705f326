// Package sandbox defines the abstraction layer for sandbox backends (the
// Sandbox Driver, C1). Two backends implement this interface: a Docker
// container backend (internal/sandbox/docker) and an orchestrated Job backend
// (internal/sandbox/k8sjob). Both guarantee the same lifecycle:
// Creating -> Running -> (Succeeded|Failed|TimedOut) -> Cleaning -> Done.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelrun/testforge/internal/proto"
)

// Common errors returned by Driver implementations.
var (
	// ErrSandboxNotFound indicates the requested sandbox does not exist.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrConnectionFailed indicates failure to establish a stream to the sandbox.
	ErrConnectionFailed = errors.New("failed to connect to sandbox")

	// ErrResourceExhausted indicates no resources available to create new sandboxes.
	ErrResourceExhausted = errors.New("resource limit exhausted")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid sandbox configuration")
)

// State is the job state machine a sandbox moves through.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateSuccess  State = "succeeded"
	StateFailed   State = "failed"
	StateTimedOut State = "timed_out"
	StateCleaning State = "cleaning"
	StateDone     State = "done"
)

// Spec is the contract between the Dispatcher and Driver implementations.
// The recognized resource caps are CPULimit, MemLimitMB, WallTimeout, Image,
// TTLAfterFinished.
type Spec struct {
	// TestID identifies the test this sandbox will execute; used to name the
	// container/job so logs and cleanup can be correlated back to it.
	TestID string

	// Image is the base execution environment.
	Image string

	// CPULimit is the fractional CPU core cap (e.g. 0.5 = half a core).
	CPULimit float64

	// MemLimitMB is the memory cap in megabytes.
	MemLimitMB int64

	// WallTimeout bounds the sandbox's total lifetime.
	WallTimeout time.Duration

	// TTLAfterFinished is a defense-in-depth cap on how long a completed
	// sandbox may linger if explicit cleanup fails; not relied upon as the
	// primary cleanup mechanism.
	TTLAfterFinished time.Duration

	// Source is the opaque runnable code; the driver never parses it.
	Source string

	// LogCapBytes is the byte cap after which captured logs are truncated
	// with a trailing marker. Zero means no cap.
	LogCapBytes int64
}

// Validate applies defaults and rejects an unusable Spec.
func (s *Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}
	if s.CPULimit <= 0 {
		s.CPULimit = 0.5
	}
	if s.MemLimitMB <= 0 {
		s.MemLimitMB = 512
	}
	if s.WallTimeout <= 0 {
		s.WallTimeout = 120 * time.Second
	}
	if s.TTLAfterFinished <= 0 {
		s.TTLAfterFinished = 30 * time.Second
	}
	return nil
}

// Driver is the abstraction interface for sandbox backends (C1). A single
// call to Execute provisions one fresh, isolated sandbox, runs the test to
// completion (or timeout), collects its logs, and unconditionally releases
// every resource it created before returning — on every exit path, including
// cancellation and panics recovered inside the implementation.
//
// Implementations must be safe for concurrent use; the Dispatcher calls
// Execute from many goroutines at once.
type Driver interface {
	// Execute runs a single test in a fresh sandbox built from spec and
	// returns its TestResult. It never returns an error for a test-level
	// failure (non-zero exit, timeout) — those are reported inside the
	// returned TestResult via MapResult's exit-code and timeout mapping.
	// Execute only returns a non-nil error for conditions that prevented it from
	// producing any result at all, which callers should still treat as
	// "execution failed" rather than propagate as a fatal condition.
	Execute(ctx context.Context, spec Spec) (proto.TestResult, error)

	// Name identifies the backend ("docker", "k8s-job", ...).
	Name() string

	// Healthy performs a health check against the backend.
	Healthy(ctx context.Context) error

	// Close releases any resources held by the driver itself (client
	// connections, background goroutines). After Close the driver must not
	// be used.
	Close() error
}

// Factory creates Driver instances based on configuration, mirroring the
// teacher's registry so a backend is selected by name at startup.
type Factory func(cfg map[string]any) (Driver, error)

var registry = make(map[string]Factory)

// Register registers a driver factory under name; called from the init()
// of each backend package.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New creates a Driver using the registered factory for name.
func New(name string, cfg map[string]any) (Driver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox backend: %s", name)
	}
	return factory(cfg)
}

// Available returns the names of all registered backends.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// MapResult builds the TestResult for a finished sandbox from its exit code,
// timeout state, and captured output.
func MapResult(testID string, exitCode int, timedOut bool, output string, wallTime time.Duration, infraErr error) proto.TestResult {
	wt := wallTime.Seconds()
	if infraErr != nil {
		return proto.TestResult{
			TestID:  testID,
			Success: false,
			Output:  "",
			Error:   proto.ErrorString(fmt.Errorf("sandbox infrastructure failure: %w", infraErr)),
		}
	}
	if timedOut {
		e := "timeout"
		return proto.TestResult{TestID: testID, Success: false, Output: output, Error: &e, ExecutionTime: &wt}
	}
	if exitCode != 0 {
		e := fmt.Sprintf("exit code %d", exitCode)
		return proto.TestResult{TestID: testID, Success: false, Output: output, Error: &e, ExecutionTime: &wt}
	}
	return proto.TestResult{TestID: testID, Success: true, Output: output, ExecutionTime: &wt}
}

// TruncateLog caps output at capBytes, appending a trailing marker if it was
// truncated. A cap of zero disables truncation. Truncation is not itself a
// failure — a test that ran to completion and produced more output than the
// cap still passed.
func TruncateLog(output string, capBytes int64) string {
	if capBytes <= 0 || int64(len(output)) <= capBytes {
		return output
	}
	const marker = "\n... [truncated]"
	cut := capBytes - int64(len(marker))
	if cut < 0 {
		cut = 0
	}
	return output[:cut] + marker
}
