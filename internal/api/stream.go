package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/challenge"
	"transfer-orchestrator/backend/internal/events"
)

// Stream pushes the operator's events as Server-Sent Events until the client
// goes away or the hub evicts the subscription. With replay set, open
// challenges are re-sent after the connected ack.
// (GET /api/v1/stream)
func (s *Server) Stream(c echo.Context, params StreamParams) error {
	ctx := c.Request().Context()
	owner, err := operatorID(c)
	if err != nil {
		return err
	}

	sub := s.hub.Subscribe(owner)
	defer sub.Close()

	var replay []*challenge.Challenge
	if params.Replay != nil && *params.Replay {
		replay, err = s.broker.Snapshot(ctx, owner, "")
		if err != nil {
			return err
		}
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, events.Event{
		ID:        uuid.NewString(),
		Name:      events.NameConnected,
		OwnerID:   owner,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil
	}
	for _, ch := range replay {
		ev := challenge.Event(ch, string(ch.Kind()))
		ev.ID = ch.ID
		ev.Timestamp = ch.CreatedAt
		if err := writeEvent(res, ev); err != nil {
			return nil
		}
	}
	s.logger.Debug("stream connected", "owner_id", owner, "replayed", len(replay))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream disconnected", "owner_id", owner)
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				s.logger.Warn("stream evicted", "owner_id", owner)
				return nil
			}
			if err := writeEvent(res, ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := io.WriteString(res, ": keep-alive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// writeEvent writes one SSE frame whose data is the full event envelope.
func writeEvent(res *echo.Response, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
