package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ramazulay/email-relay/internal/config"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/health"
	"github.com/ramazulay/email-relay/internal/ingress"
	websocketControllers "github.com/ramazulay/email-relay/internal/server/websocket"
	"github.com/ramazulay/email-relay/internal/websocket"
)

const (
	IngestServiceName = "email-processor"
	// Larger bodies could not be enqueued anyway.
	maxBodyBytes = 256 << 10
)

type response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

func errorResponse(message string) response {
	return response{Status: "error", Message: message}
}

// IngestRoutes serves the public submission endpoint.
func IngestRoutes(publisher *ingress.Publisher, version string) RouteFunc {
	return func(r *gin.Engine) {
		r.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "healthy",
				"service":   IngestServiceName,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
		})

		r.GET("/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"service": IngestServiceName,
				"version": version,
				"endpoints": gin.H{
					"health":  "/health",
					"process": "/process (POST)",
				},
			})
		})

		r.POST("/process", processHandler(publisher))
	}
}

func processHandler(publisher *ingress.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("Invalid JSON payload"))
			return
		}

		id, err := publisher.Submit(c.Request.Context(), raw)
		if err != nil {
			var ie *ingress.IngestError
			if !errors.As(err, &ie) {
				slog.Error("Unexpected error processing request", "error", err)
				c.JSON(http.StatusInternalServerError, errorResponse("Internal server error"))
				return
			}
			status := statusFor(ie.Kind)
			if status >= http.StatusInternalServerError {
				slog.Error("Submission failed", "kind", ie.Kind.String(), "error", err)
			} else {
				slog.Warn("Submission rejected", "kind", ie.Kind.String(), "remote", c.ClientIP(), "reason", ie.Message)
			}
			c.JSON(status, errorResponse(ie.Message))
			return
		}

		c.JSON(http.StatusOK, response{
			Status:    "success",
			Message:   "Email data processed and queued",
			MessageID: id,
		})
	}
}

func statusFor(kind ingress.Kind) int {
	switch kind {
	case ingress.KindBadPayload, ingress.KindBadRequest:
		return http.StatusBadRequest
	case ingress.KindUnauthorized:
		return http.StatusUnauthorized
	case ingress.KindUnavailable, ingress.KindPublishFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// RelayRoutes serves the consumer's health and its live archive feed. The
// health endpoint always answers 200; the consumer state is in the body.
func RelayRoutes(config *config.HTTP, state *health.State, bus *events.EventBus) RouteFunc {
	return func(r *gin.Engine) {
		r.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, state.Snapshot())
		})

		ws := r.Group("/ws")
		ws.GET("/events", websocket.CreateHandler(websocketControllers.CreateEventsWebsocket(bus), config))
	}
}
