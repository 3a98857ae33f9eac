package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xilidan/meetings/pkg/gen"
	pkgjson "github.com/xilidan/meetings/pkg/json"
	"github.com/xilidan/meetings/pkg/jwt"
	"github.com/xilidan/meetings/services/workflow/engine"
	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/services/workflow/runlog"
)

type ctxKey string

const subjectKey ctxKey = "subject"

type Handler struct {
	registry   *engine.Registry
	publisher  engine.Publisher
	store      runlog.Store
	hub        *Hub
	health     *health.Server
	ids        gen.IDGenerator
	signingKey string
	log        *slog.Logger
}

type HandlerDeps struct {
	Registry   *engine.Registry
	Publisher  engine.Publisher
	Store      runlog.Store
	Hub        *Hub
	Health     *health.Server
	IDs        gen.IDGenerator
	SigningKey string
}

func NewHandler(deps HandlerDeps, log *slog.Logger) *Handler {
	if deps.SigningKey == "" {
		log.Warn("EVENT_SIGNING_KEY is empty, API requests are not authenticated")
	}
	if deps.IDs == nil {
		deps.IDs = gen.RunID()
	}
	return &Handler{
		registry:   deps.Registry,
		publisher:  deps.Publisher,
		store:      deps.Store,
		hub:        deps.Hub,
		health:     deps.Health,
		ids:        deps.IDs,
		signingKey: deps.SigningKey,
		log:        log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/events", h.PublishEvent)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/stream", h.hub.ServeHTTP)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/replay", h.ReplayRun)
	})
}

// authenticate accepts a bearer token, or an access_token query parameter
// for websocket clients that cannot set headers.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.signingKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.ParseTokenFromHeader(r)
		if err != nil {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			pkgjson.WriteError(w, http.StatusUnauthorized, jwt.ErrMissingToken)
			return
		}

		subject, err := jwt.Verify(token, h.signingKey)
		if err != nil {
			h.log.Debug("rejected token", slog.String("error", err.Error()))
			pkgjson.WriteError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type publishRequest struct {
	Name  string          `json:"name" validate:"required"`
	Data  json.RawMessage `json:"data" validate:"required"`
	RunID string          `json:"runId,omitempty"`
}

type publishResponse struct {
	RunID string `json:"runId"`
}

func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := pkgjson.ParseJSON(r, &req); err != nil {
		pkgjson.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.registry.Validate(req.Name, req.Data); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, entity.ErrUnknownEvent) {
			status = http.StatusNotFound
		}
		pkgjson.WriteError(w, status, err)
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = h.ids.Next()
	} else {
		_, _, err := h.store.Get(r.Context(), runID)
		switch {
		case err == nil:
			pkgjson.WriteError(w, http.StatusConflict, fmt.Errorf("run %s already exists, replay it instead", runID))
			return
		case !errors.Is(err, entity.ErrNotFound):
			h.log.Error("failed to check run", slog.String("run_id", runID), slog.String("error", err.Error()))
			pkgjson.WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to check run"))
			return
		}
	}

	ev := entity.Event{RunID: runID, Name: req.Name, Data: req.Data}
	if err := h.publisher.Publish(r.Context(), ev, engine.WithDedupID(runID)); err != nil {
		h.log.Error("failed to publish event",
			slog.String("event", req.Name),
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		pkgjson.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("failed to publish event"))
		return
	}

	subject, _ := r.Context().Value(subjectKey).(string)
	h.log.Info("event accepted",
		slog.String("event", req.Name),
		slog.String("run_id", runID),
		slog.String("subject", subject))
	pkgjson.WriteJSON(w, http.StatusAccepted, publishResponse{RunID: runID})
}

type listRunsResponse struct {
	Runs []entity.Run `json:"runs"`
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := entity.RunFilter{Status: entity.RunStatus(r.URL.Query().Get("status"))}
	switch filter.Status {
	case "", entity.RunStatusRunning, entity.RunStatusRetrying, entity.RunStatusCompleted, entity.RunStatusFailed:
	default:
		pkgjson.WriteError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", filter.Status))
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			pkgjson.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	runs, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list runs", slog.String("error", err.Error()))
		pkgjson.WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to list runs"))
		return
	}
	if runs == nil {
		runs = []entity.Run{}
	}
	pkgjson.WriteJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

type runResponse struct {
	Run   *entity.Run         `json:"run"`
	Steps []entity.StepRecord `json:"steps"`
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, steps, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if steps == nil {
		steps = []entity.StepRecord{}
	}
	pkgjson.WriteJSON(w, http.StatusOK, runResponse{Run: run, Steps: steps})
}

// ReplayRun redelivers a stored run under its own id. Completed steps are
// served from the step log, so only the unfinished part executes again.
func (h *Handler) ReplayRun(w http.ResponseWriter, r *http.Request) {
	run, _, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	switch run.Status {
	case entity.RunStatusCompleted:
		pkgjson.WriteError(w, http.StatusConflict, fmt.Errorf("run %s already completed", run.ID))
		return
	case entity.RunStatusRunning, entity.RunStatusRetrying:
		pkgjson.WriteError(w, http.StatusConflict, fmt.Errorf("run %s is still %s", run.ID, run.Status))
		return
	}

	ev := entity.Event{RunID: run.ID, Name: run.Event, Data: run.Payload}
	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		h.log.Error("failed to replay run", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		pkgjson.WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("failed to publish event"))
		return
	}

	h.log.Info("run replayed", slog.String("run_id", run.ID), slog.String("event", run.Event))
	pkgjson.WriteJSON(w, http.StatusAccepted, publishResponse{RunID: run.ID})
}

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*entity.Run, []entity.StepRecord, bool) {
	id := chi.URLParam(r, "id")
	run, steps, err := h.store.Get(r.Context(), id)
	if errors.Is(err, entity.ErrNotFound) {
		pkgjson.WriteError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return nil, nil, false
	}
	if err != nil {
		h.log.Error("failed to load run", slog.String("run_id", id), slog.String("error", err.Error()))
		pkgjson.WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to load run"))
		return nil, nil, false
	}
	return run, steps, true
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp, err := h.health.Check(r.Context(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		pkgjson.WriteError(w, http.StatusServiceUnavailable, err)
		return
	}

	status := http.StatusOK
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		status = http.StatusServiceUnavailable
	}
	pkgjson.WriteProtoJSON(w, status, resp)
}
