package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/testforge/internal/proto"
	"github.com/kestrelrun/testforge/internal/sandbox"
)

// fakeDriver lets tests control Execute's outcome per test id without a real
// sandbox backend.
type fakeDriver struct {
	mu        sync.Mutex
	executed  []string
	fail      map[string]bool
	panic     map[string]bool
	delay     time.Duration
	active    int
	maxActive int
}

func (d *fakeDriver) Execute(ctx context.Context, spec sandbox.Spec) (proto.TestResult, error) {
	d.mu.Lock()
	d.executed = append(d.executed, spec.TestID)
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()
	time.Sleep(d.delay)

	if d.panic != nil && d.panic[spec.TestID] {
		panic("driver exploded")
	}
	if d.fail != nil && d.fail[spec.TestID] {
		return proto.TestResult{TestID: spec.TestID, Success: false, Error: proto.ErrorString(assertErr("boom"))}, nil
	}
	return proto.TestResult{TestID: spec.TestID, Success: true, Output: "ok"}, nil
}

func (d *fakeDriver) Name() string                     { return "fake" }
func (d *fakeDriver) Healthy(ctx context.Context) error { return nil }
func (d *fakeDriver) Close() error                      { return nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func specs(ids ...string) []proto.RunnerTestSpec {
	out := make([]proto.RunnerTestSpec, len(ids))
	for i, id := range ids {
		out[i] = proto.RunnerTestSpec{ID: id, Type: proto.KindUnit, Name: id, Title: id, Code: "pass"}
	}
	return out
}

func TestDispatchBatchedReturnsOneResultPerTest(t *testing.T) {
	d := New(&fakeDriver{}, SandboxDefaults{Image: "python:3.12-alpine"}, 0)
	results, err := d.Dispatch(context.Background(), specs("a", "b", "c"), false, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestDispatchStreamingDeliversEveryResultToSink(t *testing.T) {
	d := New(&fakeDriver{}, SandboxDefaults{Image: "python:3.12-alpine"}, 0)

	var mu sync.Mutex
	seen := map[string]bool{}
	sink := func(r proto.TestResult) {
		mu.Lock()
		seen[r.TestID] = true
		mu.Unlock()
	}

	results, err := d.Dispatch(context.Background(), specs("a", "b"), true, sink)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Len(t, seen, 2)
}

func TestDispatchEmptyBatch(t *testing.T) {
	d := New(&fakeDriver{}, SandboxDefaults{}, 0)

	results, err := d.Dispatch(context.Background(), nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []proto.TestResult{}, results)

	results, err = d.Dispatch(context.Background(), nil, true, func(proto.TestResult) {})
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestDispatchOneFailureDoesNotAbortSiblings(t *testing.T) {
	fd := &fakeDriver{fail: map[string]bool{"b": true}}
	d := New(fd, SandboxDefaults{}, 0)

	results, err := d.Dispatch(context.Background(), specs("a", "b", "c"), false, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]proto.TestResult{}
	for _, r := range results {
		byID[r.TestID] = r
	}
	assert.True(t, byID["a"].Success)
	assert.False(t, byID["b"].Success)
	assert.True(t, byID["c"].Success)
}

func TestDispatchRecoversDriverPanicIntoFailedResult(t *testing.T) {
	fd := &fakeDriver{panic: map[string]bool{"a": true}}
	d := New(fd, SandboxDefaults{}, 0)

	results, err := d.Dispatch(context.Background(), specs("a"), false, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	require.NotNil(t, results[0].Error)
}

func TestDispatchRespectsProcessWideCeiling(t *testing.T) {
	fd := &fakeDriver{delay: 5 * time.Millisecond}
	d := New(fd, SandboxDefaults{}, 2)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	_, err := d.Dispatch(context.Background(), specs(ids...), false, nil)
	require.NoError(t, err)
	assert.Len(t, fd.executed, 10)
	assert.LessOrEqual(t, fd.maxActive, 2)
}

func TestDispatchCancelledContextStillReturnsOneResultPerTest(t *testing.T) {
	d := New(&fakeDriver{}, SandboxDefaults{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	results, err := d.Dispatch(ctx, specs("a", "b"), false, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
