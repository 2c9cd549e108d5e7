package ws

import (
	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/protocol"
	"go.uber.org/zap"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinRoomMsg, protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers the application-level ping itself
// and reports malformed or unsupported messages as queue-error.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.SugaredLogger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger.Named("dispatch"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debugw("parse error", "conn", conn.ID, "type", msgType, "error", err)
		d.sendError(conn, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn, protocol.MustServerMessage(protocol.TypePong, nil))
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Warnw("unsupported message type", "conn", conn.ID, "type", msgType)
		d.sendError(conn, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, message string) {
	d.send(conn, protocol.MustServerMessage(protocol.TypeQueueError, protocol.QueueErrorMsg{Message: message}))
}

func (d *MessageDispatcher) send(conn *Connection, data []byte) {
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debugw("write failed", "conn", conn.ID, "error", err)
	}
}
