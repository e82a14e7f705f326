// Package testgen implements the Test-Generation Coordinator (C5): given a
// validated function, it invokes the external test synthesizer for each of
// {unit, memory, performance} concurrently, emits the pending/running
// snapshots required before execution starts, dispatches the batch in
// streaming mode, and emits a test_result_update for each streamed result.
//
// Grounded on tests/test_generation_service.py's TestGeneratorManager: three
// generators in a table, a pending-then-running double emission per kind
// before execute_tests_streaming, and asyncio.gather(return_exceptions=True)
// across kinds so one kind's failure never aborts the others. The
// concurrency shape here uses a plain WaitGroup rather than errgroup,
// because — unlike internal/dispatch's fan-out, which cancels nothing on a
// single failure but still benefits from a shared context — there is no
// cross-kind cancellation to propagate at all; each kind is fully
// independent.
package testgen

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelrun/testforge/internal/dispatch"
	"github.com/kestrelrun/testforge/internal/external"
	"github.com/kestrelrun/testforge/internal/proto"
)

// Dispatcher is the subset of the Runner Client (C3) the Coordinator needs:
// stream one batch of tests and report results via sink, synthesizing
// failures rather than returning an error (matching runnerclient.Client's
// signature exactly).
type Dispatcher interface {
	Dispatch(ctx context.Context, tests []proto.RunnerTestSpec, streaming bool, sink dispatch.Sink) []proto.TestResult
}

// Emit delivers one response frame for the session that originated the
// generate_tests request. The caller (internal/session) is responsible for
// funneling all Emit calls, across every kind's goroutine, through the
// session's single writer.
type Emit func(*proto.ResponseEnvelope)

// Coordinator runs the per-kind synthesize/emit/dispatch sequence.
type Coordinator struct {
	synthesizers map[proto.Kind]external.TestSynthesizer
	dispatcher   Dispatcher
}

// New creates a Coordinator. synthesizers must have an entry for every
// proto.Kind in proto.AllKinds.
func New(synthesizers map[proto.Kind]external.TestSynthesizer, dispatcher Dispatcher) *Coordinator {
	return &Coordinator{synthesizers: synthesizers, dispatcher: dispatcher}
}

// GenerateAndRun runs all three kinds concurrently for fn, emitting frames
// via emit, all carrying requestID as their correlation id (the
// generate_tests request's id). It returns once every kind's branch has
// either completed or failed.
func (c *Coordinator) GenerateAndRun(ctx context.Context, fn external.FunctionInfo, requestID string, emit Emit) {
	var wg sync.WaitGroup
	for _, kind := range proto.AllKinds {
		kind := kind
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runKind(ctx, kind, fn, requestID, emit)
		}()
	}
	wg.Wait()
}

// runKind executes the full sequence for one kind; a failure at any step
// emits that kind's error response and returns, leaving the other kinds
// unaffected.
func (c *Coordinator) runKind(ctx context.Context, kind proto.Kind, fn external.FunctionInfo, requestID string, emit Emit) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(kind)).Interface("panic", r).Msg("test generation panicked")
			emit(proto.NewErrorResponse(requestID, fmt.Sprintf("%s test generation failed: internal error", kind)))
		}
	}()

	synth, ok := c.synthesizers[kind]
	if !ok {
		emit(proto.NewErrorResponse(requestID, fmt.Sprintf("no synthesizer registered for kind %q", kind)))
		return
	}

	tests, err := synth.Synthesize(ctx, fn)
	if err != nil {
		log.Warn().Str("kind", string(kind)).Err(err).Msg("test synthesis failed")
		emit(proto.NewErrorResponse(requestID, fmt.Sprintf("%s test generation failed: %v", kind, err)))
		return
	}
	log.Info().Str("kind", string(kind)).Int("count", len(tests)).Msg("generated tests")

	for i := range tests {
		tests[i].Status = proto.StatusPending
	}
	emit(proto.TestsForKind(requestID, kind, cloneTests(tests)))

	for i := range tests {
		if err := tests[i].Advance(proto.StatusRunning); err != nil {
			log.Error().Err(err).Msg("unexpected status transition rejected")
		}
	}
	emit(proto.TestsForKind(requestID, kind, cloneTests(tests)))

	if len(tests) == 0 {
		return
	}

	specs := make([]proto.RunnerTestSpec, len(tests))
	byID := make(map[string]*proto.Test, len(tests))
	for i := range tests {
		t := &tests[i]
		specs[i] = proto.RunnerTestSpec{ID: t.TestID, Type: kind, Name: t.Name, Title: t.Title, Code: t.Source}
		byID[t.TestID] = t
	}

	var mu sync.Mutex
	sink := func(result proto.TestResult) {
		mu.Lock()
		defer mu.Unlock()

		test, ok := byID[result.TestID]
		if !ok {
			log.Warn().Str("test_id", result.TestID).Msg("received result for unknown test id")
			return
		}

		status := proto.StatusSuccess
		if !result.Success {
			status = proto.StatusFailed
		}
		if err := test.Advance(status); err != nil {
			log.Error().Err(err).Msg("rejected terminal status regression")
			return
		}
		test.Exec = &proto.Exec{
			Success:       result.Success,
			Stdout:        result.Output,
			StderrOrError: result.Error,
			WallTimeMS:    wallTimeMS(result.ExecutionTime),
		}
		emit(proto.NewTestResultUpdate(requestID, *test))
	}

	results := c.dispatcher.Dispatch(ctx, specs, true, sink)

	// A dispatch that fails as a whole (connect exhausted, decode error,
	// timeout) returns synthesized failures instead of streaming them;
	// deliver those for every test that has no terminal result yet.
	for _, r := range results {
		mu.Lock()
		test, ok := byID[r.TestID]
		delivered := ok && test.Exec != nil
		mu.Unlock()
		if ok && !delivered {
			sink(r)
		}
	}
}

func wallTimeMS(executionTimeSeconds *float64) *int64 {
	if executionTimeSeconds == nil {
		return nil
	}
	ms := int64(*executionTimeSeconds * 1000)
	return &ms
}

func cloneTests(tests []proto.Test) []proto.Test {
	out := make([]proto.Test, len(tests))
	copy(out, tests)
	return out
}
