package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/testforge/internal/dispatch"
	"github.com/kestrelrun/testforge/internal/external"
	"github.com/kestrelrun/testforge/internal/proto"
)

type fakeValidator struct {
	fn  external.FunctionInfo
	err error
}

func (f fakeValidator) Validate(ctx context.Context, source string) (external.FunctionInfo, error) {
	return f.fn, f.err
}

type fakeAIClient struct {
	model string
	err   error
}

func (f fakeAIClient) DetectModel(ctx context.Context, apiKey string) (string, error) {
	return f.model, f.err
}
func (f fakeAIClient) TestConnection(ctx context.Context, model, apiKey string) (bool, error) {
	return f.model == model, f.err
}

type fakeRunTestsDispatcher struct {
	results []proto.TestResult
}

func (f fakeRunTestsDispatcher) Dispatch(ctx context.Context, tests []proto.RunnerTestSpec, streaming bool, sink dispatch.Sink) []proto.TestResult {
	return f.results
}

func newTestSession() *Session {
	return &Session{writeCh: make(chan *proto.ResponseEnvelope, 16)}
}

func envelopeFor(t *testing.T, id, typ string, payload map[string]any) *proto.RequestEnvelope {
	t.Helper()
	full := map[string]any{"id": id, "type": typ}
	for k, v := range payload {
		full[k] = v
	}
	data, err := json.Marshal(full)
	require.NoError(t, err)
	env, err := proto.ParseRequestEnvelope(data)
	require.NoError(t, err)
	return env
}

func TestHandleVerifyCodeEmitsErrorOnValidationFailure(t *testing.T) {
	c := &Controller{validator: fakeValidator{err: assertErr("bad code")}}
	s := newTestSession()

	c.handleVerifyCode(context.Background(), s, envelopeFor(t, "req1", proto.TypeVerifyCode, map[string]any{"code": "whatever"}))

	resp := <-s.writeCh
	assert.Equal(t, proto.TypeError, resp.Type)
	assert.Equal(t, "req1", resp.ID)
	assert.Contains(t, resp.ErrorMessage, "bad code")
}

func TestHandleVerifyCodeEmitsOKOnSuccess(t *testing.T) {
	c := &Controller{validator: fakeValidator{fn: external.FunctionInfo{Name: "f"}}}
	s := newTestSession()

	c.handleVerifyCode(context.Background(), s, envelopeFor(t, "req2", proto.TypeVerifyCode, map[string]any{"code": "def f(): pass"}))

	resp := <-s.writeCh
	assert.Equal(t, proto.TypeVerifyCodeResult, resp.Type)
	require.NotNil(t, resp.IsOK)
	assert.True(t, *resp.IsOK)
}

func TestHandleTestAIRejectsMissingKey(t *testing.T) {
	c := &Controller{}
	s := newTestSession()

	c.handleTestAI(context.Background(), s, envelopeFor(t, "req3", proto.TypeTestAI, map[string]any{}))

	resp := <-s.writeCh
	assert.Equal(t, proto.TypeError, resp.Type)
}

func TestHandleTestAIReportsDetectedModel(t *testing.T) {
	c := &Controller{aiClient: fakeAIClient{model: "sonnet"}}
	s := newTestSession()

	c.handleTestAI(context.Background(), s, envelopeFor(t, "req4", proto.TypeTestAI, map[string]any{"ai_api_key": "k"}))

	resp := <-s.writeCh
	assert.Equal(t, proto.TypeAITestResult, resp.Type)
	assert.Equal(t, "sonnet", resp.DetectedModel)
	require.NotNil(t, resp.IsOK)
	assert.True(t, *resp.IsOK)
}

func TestHandleRunTestsGroupsResultsByKind(t *testing.T) {
	unitID, memID := "u1", "m1"
	c := &Controller{
		runTestsLink: fakeRunTestsDispatcher{results: []proto.TestResult{
			{TestID: unitID, Success: true, Output: "ok"},
			{TestID: memID, Success: false, Error: proto.ErrorString(assertErr("oom"))},
		}},
	}
	s := newTestSession()

	tests := []proto.Test{
		{TestID: unitID, Kind: proto.KindUnit, Name: "test_unit", Title: "Unit"},
		{TestID: memID, Kind: proto.KindMemory, Name: "test_mem", Title: "Mem"},
	}
	env := envelopeFor(t, "req5", proto.TypeRunTests, map[string]any{"tests": tests})

	c.handleRunTests(context.Background(), s, env)

	byType := map[string]*proto.ResponseEnvelope{}
	for i := 0; i < 2; i++ {
		resp := <-s.writeCh
		byType[resp.Type] = resp
	}

	unitResp, ok := byType[proto.TypeReturnUnitTests]
	require.True(t, ok)
	require.Len(t, unitResp.UnitTests, 1)
	assert.Equal(t, proto.StatusSuccess, unitResp.UnitTests[0].Status)

	memResp, ok := byType[proto.TypeReturnMemoryTests]
	require.True(t, ok)
	require.Len(t, memResp.MemoryTests, 1)
	assert.Equal(t, proto.StatusFailed, memResp.MemoryTests[0].Status)
}

func TestHandleRunTestsRejectsEmptyTestList(t *testing.T) {
	c := &Controller{runTestsLink: fakeRunTestsDispatcher{}}
	s := newTestSession()

	env := envelopeFor(t, "req6", proto.TypeRunTests, map[string]any{"tests": []proto.Test{}})
	c.handleRunTests(context.Background(), s, env)

	resp := <-s.writeCh
	assert.Equal(t, proto.TypeError, resp.Type)
}

func TestEmitDropsRatherThanBlocksWhenChannelFull(t *testing.T) {
	s := &Session{writeCh: make(chan *proto.ResponseEnvelope, 1)}
	s.emit(proto.NewPing(s.connectedAt))
	s.emit(proto.NewPing(s.connectedAt)) // channel now full; must not block

	assert.Len(t, s.writeCh, 1)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
