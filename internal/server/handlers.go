package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // mobile clients connect from app webviews with no stable origin
	},
}

func (s *Server) handleWebSocket(c echo.Context) error {
	userID := c.QueryParam("user_id")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	if err := s.bus.HandleConnection(conn, userID); err != nil {
		slog.Warn("Connection rejected", "user_id", userID, "error", err)
	}
	return nil
}

type publishRequest struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// handlePublish lets out-of-process publishers reach the bus's publish
// API over HTTP. In-process collaborators call the Bus directly.
func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Type == "" {
		req.Type = "update"
	}

	switch req.Action {
	case "broadcast":
		if req.Channel == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "channel is required"})
		}
		if err := s.bus.BroadcastToChannel(req.Channel, req.Type, req.Data); err != nil {
			slog.Error("Broadcast failed", "channel", req.Channel, "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "broadcast failed"})
		}
	case "notify":
		if req.UserID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId is required"})
		}
		if err := s.bus.SendNotification(req.UserID, req.Type, req.Data); err != nil {
			slog.Error("Notification failed", "user_id", req.UserID, "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "notification failed"})
		}
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "action must be broadcast or notify"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

type pollResponse struct {
	Events    []realtime.Envelope `json:"events"`
	Watermark int64               `json:"watermark"`
}

// handlePoll serves the degraded delivery path: envelopes on a channel
// newer than the caller's watermark, oldest first.
func (s *Server) handlePoll(c echo.Context) error {
	channel := c.QueryParam("channel")
	if channel == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "channel is required"})
	}

	watermark := int64(0)
	if since := c.QueryParam("since"); since != "" {
		parsed, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must be unix milliseconds"})
		}
		watermark = parsed
	}

	entries, err := s.history.Since(c.Request().Context(), channel, watermark)
	if err != nil {
		slog.Error("History read failed", "channel", channel, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
	}

	resp := pollResponse{Events: make([]realtime.Envelope, 0, len(entries)), Watermark: watermark}
	for _, entry := range entries {
		resp.Events = append(resp.Events, realtime.Envelope{
			Channel:   channel,
			Type:      entry.Type,
			Payload:   entry.Payload,
			Timestamp: entry.Timestamp,
		})
		if entry.Watermark() > resp.Watermark {
			resp.Watermark = entry.Watermark()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bus.Stats())
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if _, err := s.history.Since(ctx, "readiness_probe", 0); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "history": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
