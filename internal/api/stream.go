package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/metrics"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// keepaliveInterval paces idle pings so proxies keep the stream open.
const keepaliveInterval = 25 * time.Second

// StreamHandler serves the live event stream: newline-delimited JSON frames
// over one long-running response, for agents and dashboards alike.
type StreamHandler struct {
	core    *core.Service
	metrics *metrics.ControlPlaneMetrics
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(coreService *core.Service, m *metrics.ControlPlaneMetrics) *StreamHandler {
	return &StreamHandler{core: coreService, metrics: m}
}

// streamFrame is one pushed event.
type streamFrame struct {
	ID      int64            `json:"id"`
	Type    models.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// keepaliveFrame is the idle ping.
type keepaliveFrame struct {
	Keepalive bool `json:"keepalive"`
}

// Events handles GET /api/v1/events?since_id=N. The handler first catches up
// from the store, then follows the live bus; a lagging subscription falls
// back to the store before resuming.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "response writer cannot stream")
		return
	}

	var cursor int64
	if s := r.URL.Query().Get("since_id"); s != "" {
		cursor, _ = strconv.ParseInt(s, 10, 64)
	}

	node, _ := nodeFrom(r)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	h.metrics.StreamClients.Inc()
	defer h.metrics.StreamClients.Dec()

	sub := h.core.Bus().Subscribe()
	defer sub.Close()

	enc := json.NewEncoder(w)

	writeEvent := func(e *models.Event) bool {
		if e.ID <= cursor {
			return true
		}
		if node != nil && !relevantToNode(e) {
			cursor = e.ID
			return true
		}
		if err := enc.Encode(streamFrame{ID: e.ID, Type: e.Type, Payload: e.Payload}); err != nil {
			return false
		}
		cursor = e.ID
		flusher.Flush()
		return true
	}

	// Catch up from the store before following the live feed.
	catchUp := func() bool {
		for {
			events, err := h.core.Store().ReadRange(r.Context(), cursor, 500)
			if err != nil || len(events) == 0 {
				return err == nil
			}
			for _, e := range events {
				if !writeEvent(e) {
					return false
				}
			}
		}
	}
	if !catchUp() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := enc.Encode(keepaliveFrame{Keepalive: true}); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-sub.Events():
			if !open {
				return
			}
			if sub.Lagging() {
				if !catchUp() {
					return
				}
				sub.ClearLagging()
			}
			if !writeEvent(e) {
				return
			}
		}
	}
}

// relevantToNode filters the stream for agents to events that could change
// their plan. Admin consumers see everything.
func relevantToNode(e *models.Event) bool {
	switch e.Type {
	case models.EventNodeHeartbeat:
		return false
	}
	switch e.AggregateType {
	case models.AggregateNode, models.AggregateNetworkPolicy, models.AggregateClientDevice, models.AggregateAccessPolicy:
		return true
	}
	return false
}
