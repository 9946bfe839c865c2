package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/business"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/registry"
)

// clientWriteTimeout bounds each frame write to a client. A client that
// can't drain a frame in this window is treated as gone.
const clientWriteTimeout = 10 * time.Second

// readLimit bounds inbound frames: the largest valid message plus envelope
// overhead. Oversized frames drop the connection.
const readLimit = validation.MaxMessageBytes + 4096

// wsHandle adapts a websocket connection to the registry's Handle.
//
// A mutex serializes writes because delivery can come from the read loop,
// the gateway read goroutine, and timer goroutines at once.
type wsHandle struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ registry.Handle = (*wsHandle)(nil)

func (h *wsHandle) Send(env datatypes.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return h.conn.WriteJSON(env)
}

func (h *wsHandle) Close() error {
	return h.conn.Close()
}

// HandleRelayWebSocket upgrades a client connection and runs its read loop.
//
// Each connection gets a uuid session id, announced via session_created
// before any other traffic. The read loop only decodes and validates;
// everything stateful happens in the orchestrator.
func HandleRelayWebSocket(orch *business.Orchestrator, checkOrigin func(r *http.Request) bool,
	logger *slog.Logger) gin.HandlerFunc {

	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "ws_handler")

	upgrader := websocket.Upgrader{
		CheckOrigin:     checkOrigin,
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
	}

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("websocket upgrade failed", "error", err, "remote", c.ClientIP())
			return
		}
		ws.SetReadLimit(readLimit)

		connectionID := uuid.New().String()
		handle := &wsHandle{conn: ws}

		orch.HandleConnect(connectionID, handle)
		defer func() {
			orch.HandleDisconnect(connectionID)
			ws.Close()
		}()

		for {
			var env datatypes.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				log.Info("websocket client disconnected",
					"connection_id", connectionID, "reason", err.Error())
				return
			}

			switch env.Event {
			case datatypes.EventUserMessage:
				var msg datatypes.UserMessage
				if err := env.Decode(&msg); err != nil {
					sendInvalid(handle, "malformed user_message payload")
					continue
				}
				if err := validation.ValidateMessageContent(msg.Content); err != nil {
					sendInvalid(handle, err.Error())
					continue
				}
				orch.HandleUserMessage(connectionID, msg)

			default:
				// Unknown client events are dropped, never fatal.
				log.Debug("unknown client event dropped",
					"connection_id", connectionID, "event", env.Event)
			}
		}
	}
}

// sendInvalid reports a local validation failure as a typed ai_error.
func sendInvalid(h *wsHandle, message string) {
	h.Send(datatypes.MustEnvelope(datatypes.EventAIError, datatypes.AIError{
		Message: message,
		Code:    datatypes.CodeInvalidInput,
	}))
}
