package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// defaultDLQPage is how many DLQ rows a list request returns when the
// client does not ask for a specific limit.
const defaultDLQPage = 50

type deadCommandView struct {
	ID             int64     `json:"id"`
	CommandID      string    `json:"command_id"`
	Name           string    `json:"name"`
	BusinessKey    string    `json:"business_key,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	InsertedAt     time.Time `json:"inserted_at"`
}

// DLQListHandler answers GET /admin/dlq with the most recent dead-lettered
// commands, newest first.
func (s *Server) DLQListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, vr := parseLimit(r.URL.Query().Get("limit"), defaultDLQPage)
		if !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		rows, err := s.Admin.ListDead(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]deadCommandView, 0, len(rows))
		for _, d := range rows {
			items = append(items, deadCommandView{
				ID:             d.ID,
				CommandID:      d.CommandID,
				Name:           d.Name,
				BusinessKey:    d.BusinessKey,
				IdempotencyKey: d.IdempotencyKey,
				Reason:         d.Reason,
				Attempts:       d.Attempts,
				InsertedAt:     d.InsertedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	}
}

// DLQRequeueHandler answers POST /admin/dlq/{id}/requeue: the dead command
// goes back through the outbox with a fresh retry budget and the DLQ row is
// deleted.
func (s *Server) DLQRequeueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dlqID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: dlq id must be an integer", domain.ErrInvalidArgument), nil)
			return
		}
		commandID, err := s.Admin.RequeueDead(r.Context(), dlqID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"command_id": commandID, "status": string(domain.CommandPending)})
	}
}

// OutboxStatsHandler answers GET /admin/outbox/stats with the staging table
// counters; oldest_new_age_seconds is the relay lag indicator worth alerting
// on.
func (s *Server) OutboxStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Admin.OutboxStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"new":                    stats.New,
			"sending":                stats.Sending,
			"published":              stats.Published,
			"oldest_new_age_seconds": stats.OldestNewAge.Seconds(),
		})
	}
}

// MountAdmin mounts the operator endpoints behind basic auth. Callers only
// reach this when admin credentials are configured.
func (s *Server) MountAdmin(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(BasicAuth(s.Cfg.AdminUsername, s.Cfg.AdminPasswordHash))
		ar.Get("/dlq", s.DLQListHandler())
		ar.Post("/dlq/{id}/requeue", s.DLQRequeueHandler())
		ar.Get("/outbox/stats", s.OutboxStatsHandler())
	})
}
