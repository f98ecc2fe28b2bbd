package admin

import "net/http"

// handleStats reports bus counters, forwarding backlog and watch state
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}
	if h.bus != nil {
		response["bus"] = h.bus.Stats()
	}
	if h.backlog != nil {
		response["forward_backlog"] = h.backlog.Backlog()
	}
	if h.watches != nil {
		response["watches"] = h.watches.Stats()
	}
	writeJSONResponse(w, response, false)
}

// handleHealth fails when the store cannot answer a trivial query
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"healthy": true}, false)
}
