package transport

import (
	"encoding/gob"
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrade promotes an HTTP request to a websocket connection, using the
// same upgrader every publisher, service, and control link in this package
// shares.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// NewStreamEncoder returns a gob encoder that writes to conn as a
// continuous byte stream (see connWriter), for callers outside this
// package building their own message types over a websocket connection
// (the worker control link).
func NewStreamEncoder(conn *websocket.Conn) *gob.Encoder {
	return gob.NewEncoder(connWriter{conn})
}

// NewStreamDecoder returns a gob decoder reading conn as a continuous byte
// stream (see connReader).
func NewStreamDecoder(conn *websocket.Conn) *gob.Decoder {
	return gob.NewDecoder(&connReader{conn: conn})
}
