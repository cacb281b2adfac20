// SPDX-License-Identifier: MIT

package stream

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ServeConn pumps a subscriber's events onto a WebSocket connection until
// either side goes away. It blocks; the caller owns the HTTP handler
// goroutine. On a write failure the client receives a structured error
// frame on a best-effort basis before the close.
func (h *Hub) ServeConn(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	// Reader: subscribers never send frames we care about, but the read
	// loop is what detects the peer closing.
	go func() {
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug().
					Err(err).
					Str(log.FieldEvent, "stream.write_failed").
					Str(log.FieldSessionID, sub.sessionID).
					Msg("stream write failed")
				h.closeWithError(conn, "WRITE_FAILED", "failed to deliver event")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithError sends the structured error frame, then closes. Errors
// here are ignored: the connection is already going away.
func (h *Hub) closeWithError(conn *websocket.Conn, code, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(protocol.NewErrorMessage(code, msg))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, msg),
		time.Now().Add(writeWait))
}
