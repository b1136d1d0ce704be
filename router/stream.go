package router

import (
	iface "CustomDetServe/interface"
	"CustomDetServe/serve"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBytes = 20 * 1024 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type frameResult struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// decodeFrame takes a base64 image, optionally as a data url.
func decodeFrame(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: frame is not base64: %v", iface.ErrUnsupportedInput, err)
	}
	return data, nil
}

// streamSettings reads inference settings from the query string.
func streamSettings(c *gin.Context) (map[string]any, error) {
	settings := map[string]any{}
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		f, err := strconv.ParseFloat(values[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q is not a number", iface.ErrValidation, key, values[0])
		}
		settings[key] = f
	}
	return settings, nil
}

// streamHandler answers every image frame with its annotation. Text frames
// carry base64, binary frames carry the encoded image as is.
func streamHandler(svc *serve.Service, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := streamSettings(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": serve.CodeValidation})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// the upgrader has already answered
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxFrameBytes)
		sessionID := uuid.NewString()
		log := opts.Log.With(zap.String("session", sessionID))
		log.Info("Stream opened")

		for {
			_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				var netErr interface{ Timeout() bool }
				if errors.As(err, &netErr) && netErr.Timeout() {
					reason := fmt.Sprintf("%s not active, released", opts.IdleTimeout)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
				}
				log.Info("Stream closed", zap.Error(err))
				return
			}
			var image []byte
			switch mt {
			case websocket.TextMessage:
				image, err = decodeFrame(string(msg))
			case websocket.BinaryMessage:
				image = msg
			}
			var out frameResult
			if err != nil {
				out = frameResult{Error: err.Error(), Code: serve.CodeOf(err)}
			} else {
				ctx := serve.WithRequestID(c.Request.Context(), sessionID)
				res, fail := svc.Handle(ctx, serve.MethodInferenceImage, serve.Request{Image: image, Settings: settings})
				if fail != nil {
					out = frameResult{Error: fail.Message, Code: fail.Code}
				} else {
					out = frameResult{Data: res}
				}
			}
			if err := conn.WriteJSON(out); err != nil {
				log.Warn("Stream write failed", zap.Error(err))
				return
			}
		}
	}
}
