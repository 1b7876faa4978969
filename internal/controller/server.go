package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/auth"
	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/history"
	"github.com/angariumd/hcmp/internal/models"
	"github.com/angariumd/hcmp/internal/pool"
	"github.com/angariumd/hcmp/internal/provision"
	"github.com/angariumd/hcmp/internal/terminal"
)

type Server struct {
	pool     *pool.Pool
	history  *history.Store
	orch     *provision.Orchestrator
	bus      *events.Bus
	terminal *terminal.Proxy
	auth     *auth.Authenticator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(p *pool.Pool, h *history.Store, orch *provision.Orchestrator, bus *events.Bus, term *terminal.Proxy, authn *auth.Authenticator, logger *zap.Logger) *Server {
	return &Server{
		pool:     p,
		history:  h,
		orch:     orch,
		bus:      bus,
		terminal: term,
		auth:     authn,
		log:      logger.Named("controller"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same policy as the CORS headers below.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Provisioning
	mux.Handle("POST /v1/provision", s.auth.Middleware(http.HandlerFunc(s.handleProvision)))
	mux.Handle("DELETE /v1/provision/{id}", s.auth.Middleware(http.HandlerFunc(s.handleDelete)))
	mux.Handle("GET /v1/jobs", s.auth.Middleware(http.HandlerFunc(s.handleJobList)))
	mux.Handle("GET /v1/jobs/{id}", s.auth.Middleware(http.HandlerFunc(s.handleJobGet)))
	mux.Handle("GET /v1/templates", s.auth.Middleware(http.HandlerFunc(s.handleTemplates)))

	// Pool and usage
	mux.Handle("GET /v1/pool", s.auth.Middleware(http.HandlerFunc(s.handlePool)))
	mux.Handle("GET /v1/stats", s.auth.Middleware(auth.AdminOnly(http.HandlerFunc(s.handleStats))))
	mux.Handle("GET /v1/whoami", s.auth.Middleware(http.HandlerFunc(s.handleWhoami)))

	// Live channels
	mux.Handle("GET /ws/logs/{id}", s.auth.Middleware(http.HandlerFunc(s.handleLogStream)))
	mux.Handle("GET /ws/alarms/{user}", s.auth.Middleware(http.HandlerFunc(s.handleAlarmStream)))
	mux.Handle("GET /ws/ssh/{address}", s.auth.Middleware(http.HandlerFunc(s.handleTerminal)))

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Needed    *int   `json:"needed,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Status: "error", Message: msg})
}

type provisionResponse struct {
	Status      string   `json:"status"`
	JobID       int64    `json:"job_id"`
	AssignedIPs []string `json:"assigned_ips"`
	Message     string   `json:"message"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req provision.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.ServiceName == "" {
		writeError(w, http.StatusBadRequest, "serviceName is required")
		return
	}
	if req.UserName == "" {
		req.UserName = user.Name
	}

	acc, err := s.orch.Submit(r.Context(), user, req)
	if err != nil {
		var shortfall *pool.ShortfallError
		switch {
		case errors.Is(err, provision.ErrUnknownTemplate):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported template: %s", req.Template()))
		case errors.As(err, &shortfall):
			writeJSON(w, http.StatusConflict, apiError{
				Status:    "error",
				Message:   fmt.Sprintf("not enough machines available (needed %d, available %d)", shortfall.Needed, shortfall.Available),
				Needed:    &shortfall.Needed,
				Available: &shortfall.Available,
			})
		default:
			s.log.Error("provision failed", zap.String("user", user.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "provisioning failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, provisionResponse{
		Status:      "success",
		JobID:       acc.JobID,
		AssignedIPs: acc.Addresses,
		Message:     acc.Message,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	if !user.IsAdmin() && job.Owner != user.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := s.orch.Delete(r.Context(), id); err != nil {
		if errors.Is(err, provision.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("delete failed", zap.Int64("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("job #%d deleted and its machines released", id),
	})
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	owner := user.ID
	if user.IsAdmin() {
		owner = ""
	}

	jobs, err := s.history.List(r.Context(), owner)
	if err != nil {
		s.log.Error("listing jobs failed", zap.Error(err))
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) || (err == nil && !user.IsAdmin() && job.Owner != user.ID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type templateView struct {
	Name     string `json:"name"`
	Machines int    `json:"machines"`
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	var out []templateView
	for _, t := range provision.Templates() {
		out = append(out, templateView{Name: t.Name, Machines: t.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

// machineView is a pool entry as shown on the monitoring page.
type machineView struct {
	VMName      string `json:"vm_name"`
	IPAddress   string `json:"ip_address"`
	ProjectName string `json:"project_name"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
	JobID       *int64 `json:"job_id,omitempty"`
}

func displayStatus(s models.MachineStatus) string {
	switch s {
	case models.MachineAssigned:
		return "Running"
	case models.MachineReserved:
		return "Provisioning"
	default:
		return "Available"
	}
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	ctx := r.Context()

	var (
		machines []models.Machine
		err      error
	)
	if user.IsAdmin() {
		machines, err = s.pool.List(ctx)
	} else {
		machines, err = s.pool.ListOwnedBy(ctx, user.ID)
	}
	if err != nil {
		s.log.Error("listing pool failed", zap.Error(err))
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	names := map[int64]string{}
	out := make([]machineView, 0, len(machines))
	for _, m := range machines {
		v := machineView{
			VMName:      m.Name,
			IPAddress:   m.Address,
			ProjectName: "Ready to use",
			Owner:       "-",
			Status:      displayStatus(m.Status),
			JobID:       m.JobID,
		}
		if m.Occupant != nil {
			v.Owner = *m.Occupant
		}
		if m.JobID != nil {
			name, seen := names[*m.JobID]
			if !seen {
				if job, err := s.history.Get(ctx, *m.JobID); err == nil {
					name = job.ServiceName
				}
				names[*m.JobID] = name
			}
			if name != "" {
				v.ProjectName = name
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	u, err := s.history.Usage(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}
