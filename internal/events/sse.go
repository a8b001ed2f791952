// ABOUTME: Server-sent events endpoint streaming bus frames to browsers
// ABOUTME: Sends the connected frame first and a comment heartbeat while idle

package events

import (
	"fmt"
	"net/http"
	"time"
)

// ServeHTTP streams events to one client until it disconnects.
// Authentication is the caller's job.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	sub := b.Subscribe(r.Context())
	defer b.Unsubscribe(sub.ID)

	heartbeat := time.NewTicker(b.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				b.logger.Debug("push connection write failed", "sub_id", sub.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
