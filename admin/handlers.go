package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/livequery/db"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/telemetry"
	"github.com/maxpert/livequery/watch"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit = 256
	maxLimit     = 1024
)

// BusStats is the part of notify.Bus the admin API reports on
type BusStats interface {
	Stats() notify.Stats
}

// AdminHandlers serves the admin API over the store, bus and watches
type AdminHandlers struct {
	store   *db.Store
	bus     BusStats
	watches *watch.Set
	backlog telemetry.BacklogProvider
}

// NewAdminHandlers creates handlers. watches and backlog may be nil.
func NewAdminHandlers(store *db.Store, bus BusStats, watches *watch.Set, backlog telemetry.BacklogProvider) *AdminHandlers {
	return &AdminHandlers{
		store:   store,
		bus:     bus,
		watches: watches,
		backlog: backlog,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool) {
	response := map[string]interface{}{
		"data": data,
	}
	if hasMore {
		response["has_more"] = true
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
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

// parseLimit parses the limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxLimit)
	}
	return limit, nil
}
