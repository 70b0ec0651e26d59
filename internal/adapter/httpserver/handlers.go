// Package httpserver contains the HTTP ingress of the platform: command and
// process intake, status reads, health probes, the operator endpoints, and
// the middleware they share. Handlers translate between HTTP and the
// usecase services and hold no business logic of their own.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/command-platform/internal/config"
	"github.com/fairyhunter13/command-platform/internal/domain"
	"github.com/fairyhunter13/command-platform/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Commands  usecase.CommandService
	Status    usecase.StatusService
	Admin     usecase.AdminService
	Processes domain.ProcessManager

	DBCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, commands usecase.CommandService, status usecase.StatusService, admin usecase.AdminService, processes domain.ProcessManager, dbCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Commands: commands, Status: status, Admin: admin, Processes: processes, DBCheck: dbCheck, BrokerCheck: brokerCheck}
}

// maxIntakeBody caps intake payloads. Commands carry references and small
// documents, not blobs.
const maxIntakeBody = 1 << 20 // 1 MiB

// notAcceptable rejects requests that refuse JSON; the API speaks nothing
// else. Returns true when the response has been written.
func notAcceptable(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return false
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return true
}

// readBody drains a capped request body and maps the over-limit case to 413.
// Returns false when the response has been written.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIntakeBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "payload too large", Details: map[string]any{"max_bytes": maxIntakeBody},
			}})
			return nil, false
		}
		writeError(w, r, fmt.Errorf("%w: body read: %v", domain.ErrInvalidArgument, err), nil)
		return nil, false
	}
	return body, true
}

// SubmitCommandHandler accepts one command: POST /commands/{name} with the
// JSON payload as body, a required Idempotency-Key header and an optional
// Business-Key header. 202 with X-Command-Id on acceptance; replaying a key
// answers 409 in strict mode or 202 with the original id otherwise.
func (s *Server) SubmitCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptable(w, r) {
			return
		}
		name := chi.URLParam(r, "name")
		if vr := ValidateCommandName(name); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid command name", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		idemKey := r.Header.Get("Idempotency-Key")
		if vr := ValidateIdempotencyKey(idemKey); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid idempotency key", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			writeError(w, r, fmt.Errorf("%w: body must be valid JSON", domain.ErrInvalidArgument), nil)
			return
		}

		id, err := s.Commands.Submit(r.Context(), domain.CommandSubmission{
			Name:           name,
			IdempotencyKey: idemKey,
			BusinessKey:    r.Header.Get("Business-Key"),
			Payload:        body,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("X-Command-Id", id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.CommandPending)})
	}
}

type commandView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Retries     int       `json:"retries"`
	BusinessKey string    `json:"business_key,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CommandStatusHandler answers GET /commands/{id}.
func (s *Server) CommandStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := s.Status.GetCommand(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, commandView{
			ID:          cmd.ID,
			Name:        cmd.Name,
			Status:      string(cmd.Status),
			Retries:     cmd.Retries,
			BusinessKey: cmd.BusinessKey,
			Error:       cmd.Error,
			CreatedAt:   cmd.CreatedAt,
			UpdatedAt:   cmd.UpdatedAt,
		})
	}
}

// StartProcessHandler starts a saga run: POST /processes/{type} with the
// initial data JSON as body and an optional Business-Key header. 202 with
// X-Process-Id; 404 when the type is not registered.
func (s *Server) StartProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptable(w, r) {
			return
		}
		processType := chi.URLParam(r, "type")
		if vr := ValidateProcessType(processType); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid process type", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		data := map[string]any{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &data); err != nil {
				writeError(w, r, fmt.Errorf("%w: body must be a JSON object", domain.ErrInvalidArgument), nil)
				return
			}
		}

		id, err := s.Processes.StartProcess(r.Context(), processType, r.Header.Get("Business-Key"), data)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("X-Process-Id", id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

type processLogView struct {
	Sequence int64          `json:"sequence"`
	Event    string         `json:"event"`
	Step     string         `json:"step,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

type processView struct {
	ID          string           `json:"id"`
	ProcessType string           `json:"process_type"`
	Status      string           `json:"status"`
	CurrentStep string           `json:"current_step,omitempty"`
	Retries     int              `json:"retries"`
	BusinessKey string           `json:"business_key,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Log         []processLogView `json:"log"`
}

// ProcessStatusHandler answers GET /processes/{id} with the instance state
// and its ordered transition log.
func (s *Server) ProcessStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, log, err := s.Status.GetProcess(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		view := processView{
			ID:          inst.ID,
			ProcessType: inst.ProcessType,
			Status:      string(inst.Status),
			CurrentStep: inst.CurrentStep,
			Retries:     inst.Retries,
			BusinessKey: inst.BusinessKey,
			Data:        clientData(inst.Data),
			CreatedAt:   inst.CreatedAt,
			UpdatedAt:   inst.UpdatedAt,
			Log:         make([]processLogView, 0, len(log)),
		}
		for _, e := range log {
			view.Log = append(view.Log, processLogView{
				Sequence: e.Sequence,
				Event:    string(e.Event),
				Step:     e.Step,
				Details:  e.Details,
				At:       e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// clientData strips the engine's reserved bookkeeping keys (underscore
// prefixed) from the rolling context before it leaves the API.
func clientData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HealthzHandler answers liveness: the process is up and serving.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the database and the broker. Intake is only useful
// when both sides of the outbox are reachable, so /health shares this probe.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.BrokerCheck != nil {
			if err := s.BrokerCheck(ctx); err != nil {
				checks = append(checks, check{Name: "broker", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "broker", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
