package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/presence"
	"github.com/manpreetbhatti/cellsync/internal/store"
	"github.com/manpreetbhatti/cellsync/internal/ws"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type API struct {
	hub      *ws.Hub
	presence *presence.Store
	database *store.Database
}

func New(hub *ws.Hub, presenceStore *presence.Store, database *store.Database) *API {
	return &API{
		hub:      hub,
		presence: presenceStore,
		database: database,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Error encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if a.database != nil {
		if err := a.database.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	jsonResponse(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_documents": a.presence.Documents(),
		"active_sessions":  a.presence.Sessions(),
		"active_clients":   a.hub.GetClientCount(),
		"documents":        a.presence.ActiveDocuments(),
		"subscribers":      a.hub.GetActiveRooms(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.Stats(r.Context())
		if err == nil {
			stats["total_documents"] = dbStats["document_count"]
			stats["total_users"] = dbStats["user_count"]
			stats["total_changes"] = dbStats["change_log_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Change log handlers

type ChangeLogResponse struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Row       *int      `json:"row"`
	Col       *int      `json:"col"`
	OldValue  *string   `json:"oldValue"`
	NewValue  *string   `json:"newValue"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type ChangeLogPage struct {
	Logs          []ChangeLogResponse `json:"logs"`
	TotalPages    int                 `json:"totalPages"`
	TotalElements int                 `json:"totalElements"`
}

// ChangeLogHandler serves one page of a document's edit history, newest first.
func (a *API) ChangeLogHandler(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 0 {
		page = 0
	}

	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	if _, err := a.database.GetDocument(r.Context(), documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Document not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to get document")
		return
	}

	entries, total, err := a.database.ListChangeLogs(r.Context(), documentID, page, size)
	if err != nil {
		log.Error().Err(err).Str("document", documentID).Msg("Failed to list change logs")
		errorResponse(w, http.StatusInternalServerError, "Failed to list change logs")
		return
	}

	logs := make([]ChangeLogResponse, len(entries))
	for i, e := range entries {
		logs[i] = ChangeLogResponse{
			ID:        e.ID,
			Action:    e.Action,
			Row:       e.Row,
			Col:       e.Col,
			OldValue:  e.OldValue,
			NewValue:  e.NewValue,
			Username:  e.Username,
			Timestamp: e.CreatedAt,
		}
	}

	jsonResponse(w, http.StatusOK, ChangeLogPage{
		Logs:          logs,
		TotalPages:    (total + size - 1) / size,
		TotalElements: total,
	})
}

// DocumentsRouter dispatches /api/documents/{id}/...
func (a *API) DocumentsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/documents"), "/")
	parts := strings.Split(path, "/")

	if len(parts) != 2 || parts[0] == "" {
		errorResponse(w, http.StatusNotFound, "Not found")
		return
	}

	switch parts[1] {
	case "changelog":
		a.ChangeLogHandler(w, r, parts[0])
	default:
		errorResponse(w, http.StatusNotFound, "Not found")
	}
}
