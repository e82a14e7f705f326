package runnerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/testforge/internal/config"
	"github.com/kestrelrun/testforge/internal/proto"
)

var upgrader = websocket.Upgrader{}

// newFakeRunner starts an httptest server that accepts exactly one
// RunnerRequest and echoes back a canned RunnerResponse, standing in for the
// sandbox runner service.
func newFakeRunner(t *testing.T, respond func(req proto.RunnerRequest, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req proto.RunnerRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		respond(req, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(t *testing.T, httpURL string) string {
	t.Helper()
	u, err := url.Parse(httpURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

func TestDispatchBatchedSuccess(t *testing.T) {
	srv := newFakeRunner(t, func(req proto.RunnerRequest, conn *websocket.Conn) {
		results := make([]proto.TestResult, len(req.Tests))
		for i, test := range req.Tests {
			results[i] = proto.TestResult{TestID: test.ID, Success: true, Output: "ok"}
		}
		_ = conn.WriteJSON(proto.RunnerResponse{MessageID: req.MessageID, Results: results})
	})

	cfg := config.Default().Runner
	cfg.URL = wsURL(t, srv.URL)
	client := New(cfg)

	results := client.Dispatch(context.Background(), []proto.RunnerTestSpec{{ID: "t1"}, {ID: "t2"}}, false, nil)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestDispatchStreamingDeliversToSink(t *testing.T) {
	srv := newFakeRunner(t, func(req proto.RunnerRequest, conn *websocket.Conn) {
		for _, test := range req.Tests {
			_ = conn.WriteJSON(proto.RunnerIndividualResult{
				MessageID:  req.MessageID,
				TestResult: proto.TestResult{TestID: test.ID, Success: true},
			})
		}
	})

	cfg := config.Default().Runner
	cfg.URL = wsURL(t, srv.URL)
	client := New(cfg)

	var received []string
	sink := func(r proto.TestResult) { received = append(received, r.TestID) }

	results := client.Dispatch(context.Background(), []proto.RunnerTestSpec{{ID: "a"}, {ID: "b"}}, true, sink)
	require.Len(t, results, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, received)
}

func TestDispatchConnectExhaustedSynthesizesFailures(t *testing.T) {
	cfg := config.Default().Runner
	cfg.URL = "ws://127.0.0.1:1/ws" // nothing listens here
	cfg.ConnectMaxAttempts = 1
	cfg.ConnectBackoffInit = time.Millisecond
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.CircuitBreakerTrips = 100 // keep the breaker closed for this single call
	client := New(cfg)

	results := client.Dispatch(context.Background(), []proto.RunnerTestSpec{{ID: "t1"}}, false, nil)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	require.NotNil(t, results[0].Error)
	assert.True(t, strings.Contains(*results[0].Error, "communication error"))
}

func TestDispatchIgnoresMismatchedMessageID(t *testing.T) {
	srv := newFakeRunner(t, func(req proto.RunnerRequest, conn *websocket.Conn) {
		_ = conn.WriteJSON(proto.RunnerIndividualResult{
			MessageID:  "not-" + req.MessageID,
			TestResult: proto.TestResult{TestID: "stale", Success: true},
		})
		_ = conn.WriteJSON(proto.RunnerIndividualResult{
			MessageID:  req.MessageID,
			TestResult: proto.TestResult{TestID: req.Tests[0].ID, Success: true},
		})
	})

	cfg := config.Default().Runner
	cfg.URL = wsURL(t, srv.URL)
	client := New(cfg)

	results := client.Dispatch(context.Background(), []proto.RunnerTestSpec{{ID: "real"}}, true, nil)
	require.Len(t, results, 1)
	assert.Equal(t, "real", results[0].TestID)
}

func TestDispatchEmptyBatchReturnsNil(t *testing.T) {
	client := New(config.Default().Runner)
	results := client.Dispatch(context.Background(), nil, false, nil)
	assert.Nil(t, results)
}

func TestCircuitStateValueMapping(t *testing.T) {
	assert.Equal(t, float64(0), circuitStateValue(gobreaker.StateClosed))
	assert.Equal(t, float64(1), circuitStateValue(gobreaker.StateHalfOpen))
	assert.Equal(t, float64(2), circuitStateValue(gobreaker.StateOpen))
}
