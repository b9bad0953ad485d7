package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the client socket.
// It closes the socket when it returns, which unblocks the reader.
type outboundWriter struct {
	ws           wsWriter
	frames       <-chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (w *outboundWriter) Run(ctx context.Context) error {
	defer w.ws.Close()

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			deadline := time.Now().Add(w.writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(w.writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case data := <-w.frames:
			if err := w.write(data); err != nil {
				return err
			}
		}
	}
}

// flush writes frames already queued at shutdown (a final error or status)
// for at most 100ms.
func (w *outboundWriter) flush() {
	timeout := 100 * time.Millisecond
	if w.writeTimeout < timeout {
		timeout = w.writeTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case data := <-w.frames:
			if err := w.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) write(data []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}
