package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowcast/rowcast/applier"
)

const headTimeout = 2 * time.Second

// CursorReporter reports the forwarder's progress through the change log
type CursorReporter interface {
	Cursor() int64
	Running() bool
}

// HeadReporter reports the highest sequence present in the change log
type HeadReporter interface {
	Latest(ctx context.Context) (int64, error)
}

// StatsReporter reports the applier's progress through the stream
type StatsReporter interface {
	Stats() applier.Stats
	Running() bool
}

// Handlers serves the status and health endpoints. Component reporters
// are optional, a process running only one side of the pipeline
// registers only that side.
type Handlers struct {
	instanceID uint64
	forwarder  CursorReporter
	head       HeadReporter
	applier    StatsReporter
}

// NewHandlers creates a Handlers instance
func NewHandlers(instanceID uint64) *Handlers {
	return &Handlers{instanceID: instanceID}
}

// WithForwarder registers the forwarder and its change log for reporting
func (h *Handlers) WithForwarder(f CursorReporter, head HeadReporter) *Handlers {
	h.forwarder = f
	h.head = head
	return h
}

// WithApplier registers the applier for reporting
func (h *Handlers) WithApplier(a StatsReporter) *Handlers {
	h.applier = a
	return h
}

// ForwarderStatus is the forwarder section of the status response
type ForwarderStatus struct {
	Running   bool   `json:"running"`
	Cursor    int64  `json:"cursor"`
	LatestSeq *int64 `json:"latest_seq,omitempty"`
	Lag       *int64 `json:"lag,omitempty"`
}

// ApplierStatus is the applier section of the status response
type ApplierStatus struct {
	Running          bool             `json:"running"`
	Applied          int64            `json:"applied"`
	Noops            int64            `json:"noops"`
	PartitionOffsets map[string]int64 `json:"partition_offsets"`
}

// StatusResponse is the full status document
type StatusResponse struct {
	InstanceID string           `json:"instance_id"`
	Forwarder  *ForwarderStatus `json:"forwarder,omitempty"`
	Applier    *ApplierStatus   `json:"applier,omitempty"`
}

// handleHealth reports process liveness. A halted component degrades the
// response to 503 so orchestrators can restart the process.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if h.forwarder != nil && !h.forwarder.Running() {
		healthy = false
	}
	if h.applier != nil && !h.applier.Running() {
		healthy = false
	}

	if !healthy {
		writeErrorResponse(w, http.StatusServiceUnavailable, "component halted")
		return
	}
	writeJSONResponse(w, map[string]string{"status": "ok"})
}

// handleStatus reports cursor position, change log lag and apply counters
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		InstanceID: strconv.FormatUint(h.instanceID, 10),
	}

	if h.forwarder != nil {
		fs := &ForwarderStatus{
			Running: h.forwarder.Running(),
			Cursor:  h.forwarder.Cursor(),
		}
		if h.head != nil {
			ctx, cancel := context.WithTimeout(r.Context(), headTimeout)
			latest, err := h.head.Latest(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to read change log head for status")
			} else {
				lag := latest - fs.Cursor
				if lag < 0 {
					lag = 0
				}
				fs.LatestSeq = &latest
				fs.Lag = &lag
			}
		}
		resp.Forwarder = fs
	}

	if h.applier != nil {
		stats := h.applier.Stats()
		offsets := make(map[string]int64, len(stats.PartitionOffsets))
		for partition, offset := range stats.PartitionOffsets {
			offsets[strconv.Itoa(partition)] = offset
		}
		resp.Applier = &ApplierStatus{
			Running:          h.applier.Running(),
			Applied:          stats.Applied,
			Noops:            stats.Noops,
			PartitionOffsets: offsets,
		}
	}

	writeJSONResponse(w, resp)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
