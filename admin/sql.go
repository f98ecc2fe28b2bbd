package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/livequery/db"
	"github.com/maxpert/livequery/notify"
)

type statementRequest struct {
	SQL   string   `json:"sql"`
	Args  []any    `json:"args"`
	Types []string `json:"types"`
}

type execRequest struct {
	Statements []statementRequest `json:"statements"`
}

type queryRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
}

// handleExec runs the statements in one transaction. The commit notifies
// watches and forwarders like any other write.
func (h *AdminHandlers) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Statements) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "no statements")
		return
	}

	stmts := make([]db.Statement, len(req.Statements))
	for i, s := range req.Statements {
		stmts[i] = db.Statement{SQL: s.SQL, Args: s.Args, Types: notify.TypesOf(s.Types...)}
	}

	affected, err := h.store.Exec(r.Context(), stmts...)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{"affected_types": affected.Strings()}, false)
}

// handleQuery runs a read query and returns at most limit rows
func (h *AdminHandlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	q := db.Query{SQL: req.SQL, Args: req.Args}
	rows := make([]map[string]any, 0)
	hasMore := false

	for row, err := range db.NewExecutor(h.store, db.MapRow).Query(r.Context(), q).All() {
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(rows) == limit {
			hasMore = true
			break
		}
		rows = append(rows, row)
	}

	writeJSONResponse(w, rows, hasMore)
}
