package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ramazulay/email-relay/internal/config"
)

const bufferSize = 1024

type Message struct {
	Type int
	Data []byte
}

// Writer queues outbound frames for a single connection.
type Writer interface {
	WriteMessage(msg Message)
	Error(reason string)
}

type Websocket interface {
	OnMessage(ctx context.Context, r *http.Request, w Writer, msg []byte, t int)
	// OnConnect is called once per connection. ctx is cancelled when the
	// connection ends.
	OnConnect(ctx context.Context, r *http.Request, w Writer)
	OnDisconnect(ctx context.Context, r *http.Request)
}

type wsWriter struct {
	writer chan Message
	error  chan string
	done   <-chan struct{}
}

func (w wsWriter) WriteMessage(msg Message) {
	select {
	case w.writer <- msg:
	case <-w.done:
	}
}

func (w wsWriter) Error(reason string) {
	select {
	case w.error <- reason:
	case <-w.done:
	}
}

type WSHandler struct {
	wsUpgrader websocket.Upgrader
	handler    Websocket
}

func CreateHandler(ws Websocket, config *config.HTTP) func(*gin.Context) {
	handler := &WSHandler{
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			Subprotocols:    []string{},
			Error: func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
				http.Error(w, reason.Error(), status)
			},
			CheckOrigin: func(r *http.Request) bool {
				return OriginAllowed(r.Header.Get("Origin"), config.CORSHosts)
			},
			EnableCompression: true,
		},
		handler: ws,
	}

	return func(c *gin.Context) {
		conn, err := handler.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to set websocket upgrade", "error", err)
			return
		}
		// The server's write timeout still applies to the hijacked connection.
		_ = conn.SetWriteDeadline(time.Time{})

		defer func() {
			handler.handler.OnDisconnect(c.Request.Context(), c.Request)
			_ = conn.Close()
		}()

		handler.handle(c.Request.Context(), c.Request, conn)
	}
}

// OriginAllowed reports whether a browser origin may open a socket. Requests
// without an Origin header are not from browsers and are always allowed.
func OriginAllowed(origin string, hosts []string) bool {
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, host := range hosts {
		host = strings.ToLower(host)
		if strings.HasSuffix(host, ":443") && strings.HasPrefix(origin, "https://") {
			host = strings.TrimSuffix(host, ":443")
		}
		if strings.HasSuffix(host, ":80") && strings.HasPrefix(origin, "http://") {
			host = strings.TrimSuffix(host, ":80")
		}
		if strings.Contains(origin, host) {
			return true
		}
	}
	return false
}

func (h *WSHandler) handle(parent context.Context, r *http.Request, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writer := wsWriter{
		writer: make(chan Message, bufferSize),
		error:  make(chan string),
		done:   ctx.Done(),
	}
	h.handler.OnConnect(ctx, r, writer)

	go func() {
		for {
			t, msg, err := conn.ReadMessage()
			if err != nil {
				writer.Error("read failed")
				return
			}
			switch {
			case t == websocket.PingMessage:
				writer.WriteMessage(Message{
					Type: websocket.PongMessage,
				})
			case strings.EqualFold(string(msg), "ping"):
				writer.WriteMessage(Message{
					Type: websocket.TextMessage,
					Data: []byte("PONG"),
				})
			default:
				h.handler.OnMessage(ctx, r, writer, msg, t)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-writer.error:
			return
		case msg := <-writer.writer:
			err := conn.WriteMessage(msg.Type, msg.Data)
			if err != nil {
				return
			}
		}
	}
}
