package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleSSEEvents streams daemon events with Server-Sent Events.
// GET /api/v1/events
//
// Event format:
//
//	id: <event_id>
//	event: <event_type>
//	data: <json_payload>
func (d *Daemon) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	subID, eventCh := d.eventBus.Subscribe()
	if eventCh == nil {
		http.Error(w, "event bus closed", http.StatusServiceUnavailable)
		return
	}
	defer d.eventBus.Unsubscribe(subID)

	d.logger.Debug().
		Uint64("subscriber_id", subID).
		Msg("SSE client connected")

	if err := writeSSEEvent(w, flusher, &Event{
		Type:      "connected",
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"message":"connected to event stream"}`),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(d.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			d.logger.Debug().
				Uint64("subscriber_id", subID).
				Msg("SSE client disconnected")
			return

		case <-d.shutdownCh:
			writeSSEEvent(w, flusher, &Event{
				Type:      "shutdown",
				Timestamp: time.Now(),
				Data:      json.RawMessage(`{"message":"daemon shutting down"}`),
			})
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, event); err != nil {
				d.logger.Debug().
					Err(err).
					Uint64("subscriber_id", subID).
					Msg("failed to write SSE event")
				return
			}

		case <-heartbeat.C:
			d.mu.RLock()
			started := d.startTime
			d.mu.RUnlock()

			dataBytes, _ := json.Marshal(DaemonStatusData{
				Status:      "running",
				Uptime:      time.Since(started).Truncate(time.Second).String(),
				StartTime:   started,
				Subscribers: d.eventBus.SubscriberCount(),
			})
			if err := writeSSEEvent(w, flusher, &Event{
				Type:      EventDaemonStatus,
				Timestamp: time.Now(),
				Data:      dataBytes,
			}); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event *Event) error {
	if event.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}

	flusher.Flush()
	return nil
}

// SSEStats returns current SSE connection statistics.
type SSEStats struct {
	Subscribers int `json:"subscribers"`
}

// handleSSEStats returns SSE connection statistics.
// GET /api/v1/events/stats
func (d *Daemon) handleSSEStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SSEStats{Subscribers: d.eventBus.SubscriberCount()})
}
