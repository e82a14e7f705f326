package cli

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// dialSession opens the client-facing session channel against --server.
func dialSession() (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/v1/session"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", u.String(), err)
	}
	return conn, nil
}

func newRequestID() string {
	return uuid.NewString()
}
