// Package session implements the Session Controller (C4): one call to
// Controller.Serve serves one client connection for its entire lifetime, owns
// the single writer for that connection's channel, runs the keepalive
// emitter, and routes incoming frames to the right handler.
//
// Grounded on websocket/routes.py's accept/receive-loop shape and
// api/websocket/handlers.py's per-type dispatch, translated from FastAPI's
// one-coroutine-per-connection model into one goroutine per connection plus
// one additional goroutine per in-flight generate_tests/run_tests request,
// all of whose writes funnel through a single buffered channel: the
// websocket connection itself has no concurrent-write safety, so every
// writer, including the Test-Generation Coordinator's parallel per-kind
// emissions, must go through this one channel rather than call conn.Write
// directly.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kestrelrun/testforge/internal/config"
	"github.com/kestrelrun/testforge/internal/dispatch"
	"github.com/kestrelrun/testforge/internal/external"
	"github.com/kestrelrun/testforge/internal/metrics"
	"github.com/kestrelrun/testforge/internal/proto"
	"github.com/kestrelrun/testforge/internal/testgen"
)

// RunTestsDispatcher is the batched-mode counterpart of testgen.Dispatcher,
// used directly by the run_tests handler rather than through the Coordinator.
type RunTestsDispatcher interface {
	Dispatch(ctx context.Context, tests []proto.RunnerTestSpec, streaming bool, sink dispatch.Sink) []proto.TestResult
}

// Controller wires together every external collaborator and internal
// component C4 routes requests to. One Controller instance is shared across
// all sessions; per-connection state lives in Session.
type Controller struct {
	cfg config.Session

	validator      external.SourceValidator
	aiClient       external.AIClient
	docGen         external.DocGenerator
	improvementGen external.ImprovementGenerator

	coordinator  *testgen.Coordinator
	runTestsLink RunTestsDispatcher
}

// New creates a Controller.
func New(
	cfg config.Session,
	validator external.SourceValidator,
	aiClient external.AIClient,
	docGen external.DocGenerator,
	improvementGen external.ImprovementGenerator,
	coordinator *testgen.Coordinator,
	runTestsLink RunTestsDispatcher,
) *Controller {
	return &Controller{
		cfg:            cfg,
		validator:      validator,
		aiClient:       aiClient,
		docGen:         docGen,
		improvementGen: improvementGen,
		coordinator:    coordinator,
		runTestsLink:   runTestsLink,
	}
}

// Session is the per-connection state: channel, connect time, last
// activity, last ping sent and pong round-trip time, in-flight request set.
type Session struct {
	conn        *websocket.Conn
	connectedAt time.Time

	writeCh chan *proto.ResponseEnvelope

	mu           sync.Mutex
	lastActivity time.Time
	lastPongRTT  time.Duration
	lastPingSent time.Time

	inFlight sync.WaitGroup
}

// Serve runs a session to completion: it blocks until the connection closes
// or ctx is cancelled, then cancels all in-flight work for this session and
// returns. It never returns an error the caller must act on; all failures
// are logged and treated as session teardown.
func (c *Controller) Serve(ctx context.Context, conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &Session{
		conn:         conn,
		connectedAt:  time.Now(),
		writeCh:      make(chan *proto.ResponseEnvelope, 64),
		lastActivity: time.Now(),
	}

	metrics.ActiveSessions.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.ActiveSessions.Dec()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writerLoop()
	}()

	keepaliveInterval := c.cfg.KeepaliveInterval
	if keepaliveInterval <= 0 {
		keepaliveInterval = 30 * time.Second
	}
	go s.keepaliveLoop(sessionCtx, keepaliveInterval)

	// A pending read does not observe ctx; expiring the read deadline on
	// cancellation makes receiveLoop return so teardown can proceed.
	go func() {
		<-sessionCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	c.receiveLoop(sessionCtx, s)

	cancel()
	s.inFlight.Wait()
	close(s.writeCh)
	writerWG.Wait()
}

// writerLoop is the single writer for this session's channel; every
// response emitted by any handler, on any goroutine, passes through here.
func (s *Session) writerLoop() {
	for resp := range s.writeCh {
		if err := s.conn.WriteJSON(resp); err != nil {
			log.Warn().Err(err).Msg("session: failed to write response frame")
			return
		}
	}
}

func (s *Session) emit(resp *proto.ResponseEnvelope) {
	select {
	case s.writeCh <- resp:
	default:
		log.Warn().Str("type", resp.Type).Msg("session: write channel full, dropping response frame")
	}
}

func (s *Session) keepaliveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.lastPingSent = time.Now()
			s.mu.Unlock()
			s.emit(proto.NewPing(time.Now()))
		}
	}
}

// receiveLoop reads frames until the connection closes or ctx is cancelled.
// Malformed frames get an error response and the loop continues; handlers
// for streaming request types run on their own goroutine, tracked by
// s.inFlight so Serve can wait for them to unwind on disconnect.
func (c *Controller) receiveLoop(ctx context.Context, s *Session) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Msg("session: connection closed")
			return
		}

		env, err := proto.ParseRequestEnvelope(data)
		if err != nil {
			s.emit(proto.NewErrorResponse("", "invalid message format"))
			continue
		}

		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		c.route(ctx, s, env)
	}
}

func (c *Controller) route(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	switch env.Type {
	case proto.TypePong:
		s.mu.Lock()
		if !s.lastPingSent.IsZero() {
			s.lastPongRTT = time.Since(s.lastPingSent)
		}
		s.mu.Unlock()

	case proto.TypeTestAI:
		c.handleTestAI(ctx, s, env)

	case proto.TypeVerifyCode:
		c.handleVerifyCode(ctx, s, env)

	case proto.TypeGenerateTests:
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			c.handleGenerateTests(ctx, s, env)
		}()

	case proto.TypeGenerateDocs:
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			c.handleGenerateDocs(ctx, s, env)
		}()

	case proto.TypeGenerateImprovements:
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			c.handleGenerateImprovements(ctx, s, env)
		}()

	case proto.TypeRunTests:
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			c.handleRunTests(ctx, s, env)
		}()

	default:
		log.Warn().Str("type", env.Type).Msg("session: unknown request type")
	}
}

func (c *Controller) handleTestAI(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	var req proto.TestAIRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AIAPIKey == "" {
		s.emit(proto.NewErrorResponse(env.ID, "API key not provided in the message"))
		return
	}

	model, err := c.aiClient.DetectModel(ctx, req.AIAPIKey)
	if err != nil {
		s.emit(proto.NewErrorResponse(env.ID, fmt.Sprintf("AI connectivity error: %v", err)))
		return
	}
	if model == "" {
		s.emit(proto.NewErrorResponse(env.ID, "API key is not valid for any supported AI service"))
		return
	}

	ok := true
	s.emit(&proto.ResponseEnvelope{ID: env.ID, Type: proto.TypeAITestResult, IsOK: &ok, DetectedModel: model})
}

func (c *Controller) handleVerifyCode(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	var req proto.VerifyCodeRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Code == "" {
		s.emit(proto.NewErrorResponse(env.ID, "no code provided"))
		return
	}

	if _, err := c.validator.Validate(ctx, req.Code); err != nil {
		s.emit(proto.NewErrorResponse(env.ID, err.Error()))
		return
	}

	ok := true
	s.emit(&proto.ResponseEnvelope{ID: env.ID, Type: proto.TypeVerifyCodeResult, IsOK: &ok})
}

func (c *Controller) handleGenerateTests(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	var req proto.GenerateTestsRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Code == "" {
		s.emit(proto.NewErrorResponse(env.ID, "no code provided"))
		return
	}

	fn, err := c.validator.Validate(ctx, req.Code)
	if err != nil {
		s.emit(proto.NewErrorResponse(env.ID, err.Error()))
		return
	}

	c.coordinator.GenerateAndRun(ctx, fn, env.ID, s.emit)
}

// requireAIKey validates req.Code and confirms req.AIAPIKey is usable before
// a doc/improvement generator call. When the caller already names a model
// (AIModel), it confirms that specific model accepts the key via
// TestConnection rather than probing every supported model; only when no
// model is named does it fall back to DetectModel's probe-in-order search.
func (c *Controller) requireAIKey(ctx context.Context, req proto.GenerateDocsRequest) (external.FunctionInfo, error) {
	if req.Code == "" {
		return external.FunctionInfo{}, fmt.Errorf("no code provided")
	}
	if req.AIAPIKey == "" {
		return external.FunctionInfo{}, fmt.Errorf("API key not provided in the message")
	}
	fn, err := c.validator.Validate(ctx, req.Code)
	if err != nil {
		return external.FunctionInfo{}, err
	}

	if req.AIModel != "" {
		ok, err := c.aiClient.TestConnection(ctx, req.AIModel, req.AIAPIKey)
		if err != nil {
			return external.FunctionInfo{}, fmt.Errorf("AI connectivity error: %w", err)
		}
		if !ok {
			return external.FunctionInfo{}, fmt.Errorf("API key is not valid for model %q", req.AIModel)
		}
		return fn, nil
	}

	model, err := c.aiClient.DetectModel(ctx, req.AIAPIKey)
	if err != nil {
		return external.FunctionInfo{}, fmt.Errorf("AI connectivity error: %w", err)
	}
	if model == "" {
		return external.FunctionInfo{}, fmt.Errorf("API key is not valid for any supported AI service")
	}
	return fn, nil
}

func (c *Controller) handleGenerateDocs(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	var req proto.GenerateDocsRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.emit(proto.NewErrorResponse(env.ID, "invalid message format"))
		return
	}

	fn, err := c.requireAIKey(ctx, req)
	if err != nil {
		s.emit(proto.NewErrorResponse(env.ID, err.Error()))
		return
	}

	docs, err := c.docGen.GenerateDocs(ctx, fn, req.AIAPIKey)
	if err != nil {
		s.emit(proto.NewErrorResponse(env.ID, fmt.Sprintf("documentation generation failed: %v", err)))
		return
	}

	s.emit(&proto.ResponseEnvelope{ID: env.ID, Type: proto.TypeReturnDocs, Docs: docs})
}

func (c *Controller) handleGenerateImprovements(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	var req proto.GenerateDocsRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.emit(proto.NewErrorResponse(env.ID, "invalid message format"))
		return
	}

	fn, err := c.requireAIKey(ctx, req)
	if err != nil {
		s.emit(proto.NewErrorResponse(env.ID, err.Error()))
		return
	}

	improvements, err := c.improvementGen.GenerateImprovements(ctx, fn, req.AIAPIKey)
	if err != nil {
		s.emit(proto.NewErrorResponse(env.ID, fmt.Sprintf("improvements generation failed: %v", err)))
		return
	}

	s.emit(&proto.ResponseEnvelope{ID: env.ID, Type: proto.TypeReturnImprovements, Improvements: improvements})
}

func (c *Controller) handleRunTests(ctx context.Context, s *Session, env *proto.RequestEnvelope) {
	var req proto.RunTestsRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.emit(proto.NewErrorResponse(env.ID, "invalid message format"))
		return
	}
	if len(req.Tests) == 0 {
		s.emit(proto.NewErrorResponse(env.ID, "no tests provided"))
		return
	}

	specs := make([]proto.RunnerTestSpec, len(req.Tests))
	for i, t := range req.Tests {
		specs[i] = proto.RunnerTestSpec{ID: t.TestID, Type: t.Kind, Name: t.Name, Title: t.Title, Code: t.Source}
	}

	results := c.runTestsLink.Dispatch(ctx, specs, false, nil)

	byID := make(map[string]proto.TestResult, len(results))
	for _, r := range results {
		byID[r.TestID] = r
	}

	grouped := map[proto.Kind][]proto.Test{}
	for _, t := range req.Tests {
		if result, ok := byID[t.TestID]; ok {
			status := proto.StatusSuccess
			if !result.Success {
				status = proto.StatusFailed
			}
			t.Status = status
			t.Exec = &proto.Exec{
				Success:       result.Success,
				Stdout:        result.Output,
				StderrOrError: result.Error,
				WallTimeMS:    wallTimeMS(result.ExecutionTime),
			}
		}
		grouped[t.Kind] = append(grouped[t.Kind], t)
	}

	for _, kind := range proto.AllKinds {
		tests, ok := grouped[kind]
		if !ok {
			continue
		}
		s.emit(proto.TestsForKind(env.ID, kind, tests))
	}
}

func wallTimeMS(executionTimeSeconds *float64) *int64 {
	if executionTimeSeconds == nil {
		return nil
	}
	ms := int64(*executionTimeSeconds * 1000)
	return &ms
}
