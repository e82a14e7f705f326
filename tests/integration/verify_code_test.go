package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/testforge/internal/proto"
)

func TestVerifyCodeRejectsMultipleFunctions(t *testing.T) {
	conn, _, err := websocket.DefaultDialer.Dial(sessionURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	requestID := "it-verify-1"
	require.NoError(t, conn.WriteJSON(proto.VerifyCodeRequest{
		ID: requestID, Type: proto.TypeVerifyCode,
		Code: "def a():\n    pass\n\ndef b():\n    pass\n",
	}))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var resp proto.ResponseEnvelope
	require.NoError(t, conn.ReadJSON(&resp))

	require.Equal(t, requestID, resp.ID)
	require.Equal(t, proto.TypeError, resp.Type)
	require.NotEmpty(t, resp.ErrorMessage)
}

func TestVerifyCodeAcceptsSingleFunction(t *testing.T) {
	conn, _, err := websocket.DefaultDialer.Dial(sessionURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	requestID := "it-verify-2"
	require.NoError(t, conn.WriteJSON(proto.VerifyCodeRequest{
		ID: requestID, Type: proto.TypeVerifyCode, Code: sampleFunction,
	}))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var resp proto.ResponseEnvelope
	require.NoError(t, conn.ReadJSON(&resp))

	require.Equal(t, proto.TypeVerifyCodeResult, resp.Type)
	require.NotNil(t, resp.IsOK)
	require.True(t, *resp.IsOK)
}
