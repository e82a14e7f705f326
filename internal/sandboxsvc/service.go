// Package sandboxsvc is the sandbox runner service's websocket front door:
// the process that cmd/testforge-runner starts to host the Sandbox Driver
// (C1) and Dispatcher (C2) behind a network link, so the orchestrator and
// the sandbox service can run on different hosts.
//
// Grounded on test-runner-docker/main.py's FastAPI "/ws" endpoint: accept a
// RunnerRequest frame, run every test, reply either as one batched
// RunnerResponse or as a stream of RunnerIndividualResult frames depending on
// the request's streaming flag. The websocket upgrade itself follows the
// teacher's internal/api/handler.go interactSandbox pattern.
package sandboxsvc

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/kestrelrun/testforge/internal/dispatch"
	"github.com/kestrelrun/testforge/internal/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // internal service-to-service link, not browser-facing
}

// Service wraps a Dispatcher to serve sandbox execution requests.
type Service struct {
	dispatcher *dispatch.Dispatcher
}

// New creates a Service over dispatcher.
func New(dispatcher *dispatch.Dispatcher) *Service {
	return &Service{dispatcher: dispatcher}
}

// RegisterRoutes mounts the service's endpoint on e.
func (s *Service) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.handle)
}

// handle upgrades the connection, reads exactly one RunnerRequest, executes
// it, and replies according to the request's streaming flag, then closes the
// connection. This mirrors the Runner Client's one-connection-per-dispatch
// model rather than a long-lived multiplexed link.
func (s *Service) handle(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Msg("sandbox service: failed to read request frame")
		return nil
	}

	var req proto.RunnerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeErr(ws, "invalid request frame: "+err.Error())
		return nil
	}

	log.Info().Str("message_id", req.MessageID).Int("tests", len(req.Tests)).Bool("streaming", req.Streaming).Msg("sandbox service: received dispatch request")

	ctx := c.Request().Context()

	if req.Streaming {
		sink := func(result proto.TestResult) {
			frame := proto.RunnerIndividualResult{MessageID: req.MessageID, TestResult: result}
			if err := ws.WriteJSON(frame); err != nil {
				log.Warn().Str("message_id", req.MessageID).Err(err).Msg("sandbox service: failed to stream result")
			}
		}
		if _, err := s.dispatcher.Dispatch(ctx, req.Tests, true, sink); err != nil {
			log.Error().Str("message_id", req.MessageID).Err(err).Msg("sandbox service: dispatch failed")
			writeErr(ws, err.Error())
		}
		return nil
	}

	results, err := s.dispatcher.Dispatch(ctx, req.Tests, false, nil)
	if err != nil {
		log.Error().Str("message_id", req.MessageID).Err(err).Msg("sandbox service: dispatch failed")
		writeErr(ws, err.Error())
		return nil
	}

	resp := proto.RunnerResponse{MessageID: req.MessageID, Results: results}
	if err := ws.WriteJSON(resp); err != nil {
		log.Warn().Str("message_id", req.MessageID).Err(err).Msg("sandbox service: failed to write batched response")
	}
	return nil
}

func writeErr(ws *websocket.Conn, message string) {
	_ = ws.WriteJSON(proto.RunnerErrorFrame{Error: message})
}
