package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	gorillaWebsocket "github.com/gorilla/websocket"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/websocket"
)

const subscriberBuffer = 32

type frame struct {
	Type events.EventType `json:"type"`
	Data events.Event     `json:"data"`
}

// EventsWebsocket streams every bus event to each connected client. Clients
// that fall behind miss events rather than slowing the relay.
type EventsWebsocket struct {
	bus *events.EventBus
}

var _ websocket.Websocket = (*EventsWebsocket)(nil)

func CreateEventsWebsocket(bus *events.EventBus) *EventsWebsocket {
	return &EventsWebsocket{bus: bus}
}

func (c *EventsWebsocket) OnMessage(_ context.Context, _ *http.Request, _ websocket.Writer, _ []byte, _ int) {
}

func (c *EventsWebsocket) OnConnect(ctx context.Context, r *http.Request, w websocket.Writer) {
	id, ch := c.bus.Subscribe(subscriberBuffer)
	slog.Info("New websocket connection", "remote", r.RemoteAddr, "subscriber", id)

	go func() {
		defer c.bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-ch:
				data, err := json.Marshal(frame{Type: event.GetType(), Data: event})
				if err != nil {
					slog.Error("Error marshalling event data", "error", err)
					continue
				}
				w.WriteMessage(websocket.Message{
					Type: gorillaWebsocket.TextMessage,
					Data: data,
				})
			}
		}
	}()
}

func (c *EventsWebsocket) OnDisconnect(_ context.Context, r *http.Request) {
	slog.Info("Websocket connection closed", "remote", r.RemoteAddr)
}
