package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/broadcast"
)

const heartbeatInterval = 15 * time.Second

// handleSSE streams broadcast events as server-sent events until the
// client goes away. ?topics=a,b narrows the stream.
func (s *Server) handleSSE(c *gin.Context) {
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	events, err := s.events.Subscribe(ctx, topics...)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "", "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "", "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case env, ok := <-events:
			if !ok {
				return
			}
			writeSSE(c.Writer, env.ID, string(env.Topic), json.RawMessage(env.Payload))
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, id, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

// parseTopics parses a comma-separated topic list. Empty means all topics.
func parseTopics(raw string) ([]broadcast.Topic, error) {
	if strings.TrimSpace(raw) == "" {
		return broadcast.AllTopics, nil
	}
	known := make(map[broadcast.Topic]bool, len(broadcast.AllTopics))
	for _, t := range broadcast.AllTopics {
		known[t] = true
	}
	var out []broadcast.Topic
	for _, part := range strings.Split(raw, ",") {
		t := broadcast.Topic(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown topic %q", t)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return broadcast.AllTopics, nil
	}
	return out, nil
}
