package server

import (
	"io"
	"time"

	"github.com/Longshot123/collabREate/internal/session"
	"github.com/gin-gonic/gin"
)

const (
	eventHeartbeat        = "heartbeat"
	heartbeatInterval     = 25 * time.Second
	eventSourceIdentifier = "collab-server"
)

type streamEventPayload struct {
	Type          string `json:"type"`
	Source        string `json:"source"`
	UpdateID      uint64 `json:"updateid,omitempty"`
	ProjectID     uint64 `json:"pid,omitempty"`
	Author        string `json:"author,omitempty"`
	Command       string `json:"cmd,omitempty"`
	Payload       string `json:"payload,omitempty"`
	GlobalID      string `json:"gpid,omitempty"`
	Description   string `json:"description,omitempty"`
	CutoffID      uint64 `json:"cutoff,omitempty"`
	PublishMask   string `json:"publish_mask,omitempty"`
	SubscribeMask string `json:"subscribe_mask,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"ts"`
}

func renderStreamEvent(event session.Event, now time.Time) streamEventPayload {
	return streamEventPayload{
		Type:          string(event.Type),
		Source:        eventSourceIdentifier,
		UpdateID:      event.UpdateID,
		ProjectID:     event.ProjectID,
		Author:        event.Author,
		Command:       event.Command,
		Payload:       string(event.Payload),
		GlobalID:      event.GlobalID,
		Description:   event.Description,
		CutoffID:      event.CutoffID,
		PublishMask:   formatMask(event.PublishMask),
		SubscribeMask: formatMask(event.SubscribeMask),
		Message:       event.Message,
		Timestamp:     now.Unix(),
	}
}

// handleEvents streams the session's delivery channel as server-sent
// events. Heartbeats keep intermediaries from timing the stream out.
func (h *httpHandler) handleEvents(c *gin.Context) {
	sess := h.currentSession(c)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Push the response head immediately so clients unblock before the
	// first event arrives.
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	events := sess.Events()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), renderStreamEvent(event, time.Now()))
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, streamEventPayload{
				Type:      eventHeartbeat,
				Source:    eventSourceIdentifier,
				Timestamp: time.Now().Unix(),
			})
			return true
		}
	})
}
