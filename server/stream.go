package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/core"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Frame types sent on the chat stream.
const (
	FrameDelta = "delta"
	FrameDone  = "done"
	FrameError = "error"
)

// Frame is one server message on the chat stream.
type Frame struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Result *core.ChatResult `json:"result,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

// handleStream runs chat turns over a websocket. Each client message is a
// ChatInput; the reply streams as delta frames followed by one done frame.
func (s *Server) handleStream(c *gin.Context) {
	conversationID := c.Param("id")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	log := s.logger.With(zap.String("conversation_id", conversationID))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var in core.ChatInput
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read", zap.Error(err))
			}
			return
		}

		var writeErr error
		res, err := s.svc.StreamMessage(ctx, conversationID, in, func(chunk string) {
			if writeErr == nil {
				writeErr = write(conn, Frame{Type: FrameDelta, Text: chunk})
			}
		})
		if writeErr != nil {
			log.Debug("websocket write", zap.Error(writeErr))
			return
		}
		if err != nil {
			status := statusOf(err)
			detail := err.Error()
			if status == http.StatusInternalServerError {
				log.Error("stream message", zap.Error(err))
				detail = "internal error"
			}
			if werr := write(conn, Frame{Type: FrameError, Detail: detail}); werr != nil || errors.Is(err, core.ErrNotFound) {
				return
			}
			continue
		}
		if err := write(conn, Frame{Type: FrameDone, Result: res}); err != nil {
			log.Debug("websocket write", zap.Error(err))
			return
		}
	}
}

func write(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}
