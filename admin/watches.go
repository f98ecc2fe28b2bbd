package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/livequery/notify"
)

const refreshTimeout = 10 * time.Second

type snapshotResponse struct {
	Version uint64              `json:"version"`
	Rows    []map[string]any    `json:"rows"`
	Total   int                 `json:"total"`
	Trigger *notify.CommitEvent `json:"trigger,omitempty"`
}

func (h *AdminHandlers) handleListWatches(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.watches != nil {
		names = h.watches.Names()
	}
	writeJSONResponse(w, names, false)
}

// handleWatch returns the current snapshot of a watch, truncated to limit rows
func (h *AdminHandlers) handleWatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.watches == nil {
		writeErrorResponse(w, http.StatusNotFound, "watch not found: "+name)
		return
	}
	o, ok := h.watches.Get(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "watch not found: "+name)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok := o.Current()
	if !ok {
		writeErrorResponse(w, http.StatusServiceUnavailable, "watch has no snapshot yet")
		return
	}

	rows := snap.Items
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	writeJSONResponse(w, snapshotResponse{
		Version: snap.Version,
		Rows:    rows,
		Total:   len(snap.Items),
		Trigger: snap.Trigger,
	}, hasMore)
}

// handleRefresh forces a re-execution and waits for the new version
func (h *AdminHandlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.watches == nil {
		writeErrorResponse(w, http.StatusNotFound, "watch not found: "+name)
		return
	}
	o, ok := h.watches.Get(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "watch not found: "+name)
		return
	}

	f := o.Refresh()
	done := make(chan struct{})
	var version uint64
	var err error
	go func() {
		version, err = f.Get()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(refreshTimeout):
		writeErrorResponse(w, http.StatusGatewayTimeout, "refresh timed out")
		return
	case <-r.Context().Done():
		return
	}

	if err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"version": version}, false)
}
