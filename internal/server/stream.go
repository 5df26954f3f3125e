package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jabeka/CollectionRecorder/internal/audio"
	"github.com/jabeka/CollectionRecorder/internal/capture"
)

const (
	streamInterval     = 250 * time.Millisecond
	streamWriteTimeout = 5 * time.Second
)

// streamFrame is one message of the /ws/preview feed
type streamFrame struct {
	Status  capture.Status        `json:"status"`
	Preview audio.PreviewSnapshot `json:"preview"`
}

// handleStream pushes the recorder status and waveform peaks over a
// websocket until the client goes away. Client messages are ignored.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	h.logger.Debug("Preview stream opened", slog.String("remote", r.RemoteAddr))

	for {
		if err := h.sendFrame(ctx, conn); err != nil {
			h.logger.Debug("Preview stream closed", slog.String("reason", err.Error()))
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (h *HTTPServer) sendFrame(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(streamFrame{
		Status:  h.recorder.Status(),
		Preview: h.recorder.Preview(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
