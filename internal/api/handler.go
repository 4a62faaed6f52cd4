package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nurdok/spanreed/internal/broker"
	"github.com/Nurdok/spanreed/internal/domain"
	"github.com/Nurdok/spanreed/internal/registry"
	"github.com/Nurdok/spanreed/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Registry interface {
	Register(a domain.Automation) error
	List(kind domain.TriggerKind) []domain.Automation
	Remove(id string) error
}

type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (domain.RunInstance, error)
	ListRuns(ctx context.Context, status domain.RunStatus, limit, offset int) ([]domain.RunInstance, error)
}

// Canceller cancels a non-terminal run.
type Canceller interface {
	Cancel(ctx context.Context, runID uuid.UUID) error
}

// Commander fires a command trigger and reports the started run.
type Commander interface {
	FireCommand(ctx context.Context, name string, args json.RawMessage) (uuid.UUID, error)
}

// Publisher puts an externally submitted event onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Replier routes an inbound surface reply to its interaction request.
type Replier interface {
	Answer(ctx context.Context, requestID uuid.UUID, payload json.RawMessage, fromSurface string) error
}

// HealthChecker provides store health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	registry  Registry
	runs      RunStore
	canceller Canceller
	commander Commander
	bus       Publisher
	replier   Replier
	db        HealthChecker
}

func NewHandler(reg Registry, runs RunStore, canceller Canceller, commander Commander, bus Publisher, replier Replier) *Handler {
	return &Handler{
		registry:  reg,
		runs:      runs,
		canceller: canceller,
		commander: commander,
		bus:       bus,
		replier:   replier,
	}
}

// WithHealthChecker sets the store health checker for verbose /health
// responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/automations" && r.Method == http.MethodPost:
		h.registerAutomation(w, r)

	case path == "/automations" && r.Method == http.MethodGet:
		h.listAutomations(w, r)

	case strings.HasPrefix(path, "/automations/") && r.Method == http.MethodDelete:
		h.deleteAutomation(w, r)

	case strings.HasPrefix(path, "/commands/") && r.Method == http.MethodPost:
		h.fireCommand(w, r)

	case path == "/events" && r.Method == http.MethodPost:
		h.publishEvent(w, r)

	case path == "/replies" && r.Method == http.MethodPost:
		h.submitReply(w, r)

	case path == "/runs" && r.Method == http.MethodGet:
		h.listRuns(w, r)

	case strings.HasPrefix(path, "/runs/") && strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		h.cancelRun(w, r)

	case strings.HasPrefix(path, "/runs/") && r.Method == http.MethodGet:
		h.getRun(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) registerAutomation(w http.ResponseWriter, r *http.Request) {
	var req RegisterAutomationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := validateRegisterAutomation(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a := domain.Automation{
		ID:   req.ID,
		Name: req.Name,
		Trigger: domain.TriggerSpec{
			Kind:           domain.TriggerKind(req.Trigger.Kind),
			Command:        req.Trigger.Command,
			EventPattern:   req.Trigger.EventPattern,
			CronExpression: req.Trigger.CronExpression,
			Timezone:       req.Trigger.Timezone,
		},
		Program: req.Program,
		Config:  req.Config,
	}

	if err := h.registry.Register(a); err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicateID):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, registry.ErrInvalidTrigger):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("api: register automation error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to register automation")
		}
		return
	}

	writeJSON(w, http.StatusCreated, automationResponse(a))
}

func (h *Handler) listAutomations(w http.ResponseWriter, r *http.Request) {
	kind := domain.TriggerKind(r.URL.Query().Get("kind"))

	automations := h.registry.List(kind)

	resp := ListAutomationsResponse{Automations: make([]AutomationResponse, len(automations))}
	for i, a := range automations {
		resp.Automations[i] = automationResponse(a)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteAutomation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/automations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := h.registry.Remove(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "automation not found")
			return
		}
		log.Printf("api: delete automation error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete automation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fireCommand(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/commands/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var args json.RawMessage
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &args) {
			return
		}
	}

	runID, err := h.commander.FireCommand(r.Context(), name, args)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown command")
			return
		}
		log.Printf("api: fire command %q error: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, RunStartedResponse{RunID: runID.String()})
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	event := domain.Event{
		Type:    req.Type,
		ID:      req.ID,
		Source:  req.Source,
		Payload: req.Payload,
		At:      time.Now().UTC(),
	}

	if err := h.bus.Publish(r.Context(), event); err != nil {
		log.Printf("api: publish event %q error: %v", req.Type, err)
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) submitReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request_id")
		return
	}
	if req.Surface == "" {
		writeError(w, http.StatusBadRequest, "surface is required")
		return
	}

	if err := h.replier.Answer(r.Context(), requestID, req.Payload, req.Surface); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "request not found")
		case errors.Is(err, store.ErrNotOpen):
			writeError(w, http.StatusConflict, "request is no longer open")
		case errors.Is(err, broker.ErrSurfaceNotAllowed):
			writeError(w, http.StatusForbidden, "surface not accepted by this request")
		default:
			log.Printf("api: reply to request %s error: %v", requestID, err)
			writeError(w, http.StatusInternalServerError, "failed to apply reply")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if !validRunStatus(status) {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), domain.RunStatus(status), limit, offset)
	if err != nil {
		log.Printf("api: list runs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = runResponse(run)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	runID, err := uuid.Parse(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		log.Printf("api: get run error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	writeJSON(w, http.StatusOK, runResponse(run))
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/runs/"), "/cancel")

	runID, err := uuid.Parse(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	if err := h.canceller.Cancel(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, store.ErrTerminalStatus):
			writeError(w, http.StatusConflict, "run already finished")
		default:
			log.Printf("api: cancel run %s error: %v", runID, err)
			writeError(w, http.StatusInternalServerError, "failed to cancel run")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON request body into v, writing an error response
// and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not
// specified. Returns an error if limit exceeds MaxLimit or if values are
// negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
