package testgen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/testforge/internal/dispatch"
	"github.com/kestrelrun/testforge/internal/external"
	"github.com/kestrelrun/testforge/internal/proto"
)

// fakeSynthesizer returns a fixed set of tests, or an error, per kind.
type fakeSynthesizer struct {
	tests []proto.Test
	err   error
}

func (f fakeSynthesizer) Synthesize(ctx context.Context, fn external.FunctionInfo) ([]proto.Test, error) {
	return f.tests, f.err
}

// fakeDispatcher immediately streams a success result for every test it's
// handed, without touching any sandbox backend.
type fakeDispatcher struct {
	executionTime *float64
	fail          map[string]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, tests []proto.RunnerTestSpec, streaming bool, sink dispatch.Sink) []proto.TestResult {
	results := make([]proto.TestResult, len(tests))
	for i, test := range tests {
		success := !f.fail[test.ID]
		r := proto.TestResult{TestID: test.ID, Success: success, Output: "ok", ExecutionTime: f.executionTime}
		if !success {
			r.Error = proto.ErrorString(assertErr("failed"))
		}
		results[i] = r
		if streaming {
			sink(r)
		}
	}
	return results
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func collectEmits(emit *[]*proto.ResponseEnvelope, mu *sync.Mutex) Emit {
	return func(r *proto.ResponseEnvelope) {
		mu.Lock()
		defer mu.Unlock()
		*emit = append(*emit, r)
	}
}

func TestRunKindEmitsPendingRunningThenTerminal(t *testing.T) {
	synthesizers := map[proto.Kind]external.TestSynthesizer{
		proto.KindUnit: fakeSynthesizer{tests: []proto.Test{{TestID: "u1", Kind: proto.KindUnit, Name: "test_u", Title: "U"}}},
	}
	coord := New(synthesizers, &fakeDispatcher{})

	var mu sync.Mutex
	var emitted []*proto.ResponseEnvelope

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.runKind(context.Background(), proto.KindUnit, external.FunctionInfo{Name: "f"}, "req-1", collectEmits(&emitted, &mu))
		}()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runKind")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, emitted, 3, "pending snapshot, running snapshot, terminal result")

	pendingSnap := emitted[0]
	assert.Equal(t, proto.TypeReturnUnitTests, pendingSnap.Type)
	require.Len(t, pendingSnap.UnitTests, 1)
	assert.Equal(t, proto.StatusPending, pendingSnap.UnitTests[0].Status)

	runningSnap := emitted[1]
	require.Len(t, runningSnap.UnitTests, 1)
	assert.Equal(t, proto.StatusRunning, runningSnap.UnitTests[0].Status)

	terminal := emitted[2]
	assert.Equal(t, proto.TypeTestResultUpdate, terminal.Type)
	assert.Equal(t, "req-1", terminal.ID)
	require.NotNil(t, terminal.TestResult)
	assert.Equal(t, proto.StatusSuccess, terminal.TestResult.Status)
}

func TestRunKindZeroTestsEmitsSnapshotsButNoResultUpdate(t *testing.T) {
	synth := fakeSynthesizer{tests: nil}
	coord := New(map[proto.Kind]external.TestSynthesizer{proto.KindMemory: synth}, &fakeDispatcher{})

	var mu sync.Mutex
	var emitted []*proto.ResponseEnvelope
	coord.runKind(context.Background(), proto.KindMemory, external.FunctionInfo{Name: "f"}, "req-2", collectEmits(&emitted, &mu))

	require.Len(t, emitted, 2)
	for _, e := range emitted {
		assert.Equal(t, proto.TypeReturnMemoryTests, e.Type)
		assert.Empty(t, e.MemoryTests)
	}
}

func TestRunKindSynthesisFailureEmitsErrorAndStops(t *testing.T) {
	synth := fakeSynthesizer{err: assertErr("synthesis exploded")}
	coord := New(map[proto.Kind]external.TestSynthesizer{proto.KindPerformance: synth}, &fakeDispatcher{})

	var mu sync.Mutex
	var emitted []*proto.ResponseEnvelope
	coord.runKind(context.Background(), proto.KindPerformance, external.FunctionInfo{Name: "f"}, "req-3", collectEmits(&emitted, &mu))

	require.Len(t, emitted, 1)
	assert.Equal(t, proto.TypeError, emitted[0].Type)
	assert.Contains(t, emitted[0].ErrorMessage, "synthesis exploded")
}

func TestGenerateAndRunIsolatesKindFailures(t *testing.T) {
	synthesizers := map[proto.Kind]external.TestSynthesizer{
		proto.KindUnit:        fakeSynthesizer{tests: []proto.Test{{TestID: "u1", Kind: proto.KindUnit, Name: "test_u", Title: "U"}}},
		proto.KindMemory:      fakeSynthesizer{err: assertErr("memory synth exploded")},
		proto.KindPerformance: fakeSynthesizer{tests: []proto.Test{{TestID: "p1", Kind: proto.KindPerformance, Name: "test_p", Title: "P"}}},
	}
	coord := New(synthesizers, &fakeDispatcher{})

	var mu sync.Mutex
	var emitted []*proto.ResponseEnvelope
	coord.GenerateAndRun(context.Background(), external.FunctionInfo{Name: "f"}, "req-4", collectEmits(&emitted, &mu))

	mu.Lock()
	defer mu.Unlock()

	var errCount, terminalCount int
	for _, e := range emitted {
		switch e.Type {
		case proto.TypeError:
			errCount++
		case proto.TypeTestResultUpdate:
			terminalCount++
		}
	}
	assert.Equal(t, 1, errCount, "only the memory kind should fail")
	assert.Equal(t, 2, terminalCount, "unit and performance kinds should still complete")
}

func TestWallTimeMSConvertsSecondsToMilliseconds(t *testing.T) {
	seconds := 1.5
	ms := wallTimeMS(&seconds)
	require.NotNil(t, ms)
	assert.Equal(t, int64(1500), *ms)

	assert.Nil(t, wallTimeMS(nil))
}
