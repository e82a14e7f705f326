// Package dispatch implements the Dispatcher (C2): fan-out of a batch of N
// tests to N concurrent Sandbox Driver calls, with fan-in either as an
// ordered batched result slice or as a streamed per-test callback.
//
// Grounded on test-runner-docker/main.py's DockerTestRunner.execute_tests
// (asyncio.gather with return_exceptions=True, turning a raised exception
// into a synthesized failed TestResult rather than dropping the test),
// replacing its ad-hoc fire-and-forget coroutines with a supervised task
// group per dispatch — here, golang.org/x/sync/errgroup bounded by
// SetLimit, with every goroutine always returning a nil group error so one
// test's failure never cancels its siblings.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelrun/testforge/internal/metrics"
	"github.com/kestrelrun/testforge/internal/proto"
	"github.com/kestrelrun/testforge/internal/sandbox"
)

// Sink receives one TestResult as soon as it becomes available, in
// Streaming mode. Order across calls is not guaranteed.
type Sink func(result proto.TestResult)

// Dispatcher fans a batch of tests out to a Driver and fans the results
// back in, either batched or streamed.
type Dispatcher struct {
	driver      sandbox.Driver
	sandboxCfg  SandboxDefaults
	maxParallel int // ceiling on concurrent Driver calls within one Dispatch call; 0 means unbounded
}

// SandboxDefaults carries the per-sandbox resource limits applied to every
// test unless overridden.
type SandboxDefaults struct {
	Image            string
	CPULimit         float64
	MemLimitMB       int64
	WallTimeout      time.Duration
	TTLAfterFinished time.Duration
	LogCapBytes      int64
}

// New creates a Dispatcher over driver. maxParallelProcessWide caps the
// number of concurrent Driver calls inside each Dispatch call; 0 means no
// ceiling. The cap applies to each call separately: concurrent Dispatch
// calls on the same Dispatcher are not limited together.
func New(driver sandbox.Driver, sandboxCfg SandboxDefaults, maxParallelProcessWide int) *Dispatcher {
	return &Dispatcher{driver: driver, sandboxCfg: sandboxCfg, maxParallel: maxParallelProcessWide}
}

// Dispatch runs up to len(tests) tests concurrently, capped by the
// Dispatcher's ceiling when one is set. In streaming mode results are
// delivered to sink as they complete and Dispatch returns (nil, nil) once
// all have been delivered. In batched mode Dispatch returns the full
// ordered result slice, aligned 1:1 with tests, once every test is done.
//
// Cancellation: if ctx is cancelled, in-flight Driver calls are cancelled;
// every test still gets a synthesized result, so the caller always gets
// back exactly one terminal outcome per test it dispatched, even if it's
// giving up on reading them.
func (d *Dispatcher) Dispatch(ctx context.Context, tests []proto.RunnerTestSpec, streaming bool, sink Sink) ([]proto.TestResult, error) {
	if len(tests) == 0 {
		if streaming {
			return nil, nil
		}
		return []proto.TestResult{}, nil
	}

	limit := len(tests)
	if d.maxParallel > 0 && d.maxParallel < limit {
		limit = d.maxParallel
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([]proto.TestResult, len(tests))
	var mu sync.Mutex // guards sink calls only; results[i] writes are index-disjoint

	for i, t := range tests {
		i, t := i, t
		g.Go(func() error {
			result := d.runOne(gctx, t)
			results[i] = result
			if streaming {
				mu.Lock()
				sink(result)
				mu.Unlock()
			}
			metrics.TestsDispatched.Inc()
			return nil // never propagate a per-test failure as a group error
		})
	}

	// errgroup with every goroutine returning nil never returns an error;
	// the explicit check only documents that contract for future edits.
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dispatcher internal error: %w", err)
	}

	if streaming {
		return nil, nil
	}
	return results, nil
}

// runOne executes a single test, recovering a panic from the driver into a
// synthesized failure so every dispatched test still gets exactly one
// terminal result even if a backend implementation misbehaves.
func (d *Dispatcher) runOne(ctx context.Context, t proto.RunnerTestSpec) (result proto.TestResult) {
	defer func() {
		if r := recover(); r != nil {
			result = proto.TestResult{
				TestID:  t.ID,
				Success: false,
				Output:  "",
				Error:   proto.ErrorString(fmt.Errorf("sandbox driver panic: %v", r)),
			}
		}
	}()

	spec := sandbox.Spec{
		TestID:           t.ID,
		Image:            d.sandboxCfg.Image,
		CPULimit:         d.sandboxCfg.CPULimit,
		MemLimitMB:       d.sandboxCfg.MemLimitMB,
		WallTimeout:      d.sandboxCfg.WallTimeout,
		TTLAfterFinished: d.sandboxCfg.TTLAfterFinished,
		Source:           t.Code,
		LogCapBytes:      d.sandboxCfg.LogCapBytes,
	}

	res, err := d.driver.Execute(ctx, spec)
	if err != nil {
		// Execute returning an error at all means it could not produce any
		// result (e.g. invalid spec); synthesize one rather than drop the
		// test.
		return proto.TestResult{TestID: t.ID, Success: false, Output: "", Error: proto.ErrorString(err)}
	}
	return res
}
