package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/alerts"
	"github.com/obsidianstack/alertflow/server/internal/deadletter"
	"github.com/obsidianstack/alertflow/server/internal/store"
	"github.com/obsidianstack/alertflow/server/internal/suppress"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

// Pipeline is the part of alerts.Engine the API uses.
type Pipeline interface {
	Process(ctx context.Context, ev types.AlertEvent) (types.AlertEvent, []types.DeliveryResult, error)
	Submit(ev types.AlertEvent) (types.AlertEvent, error)
	Alarms() map[string]suppress.AlarmState
	Rules() []suppress.RuleStatus
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	pipeline Pipeline
	store    *store.Store
	sink     deadletter.Sink
	validate *validator.Validate
	mux      *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(p Pipeline, st *store.Store, sink deadletter.Sink) http.Handler {
	h := &Handler{
		pipeline: p,
		store:    st,
		sink:     sink,
		validate: newValidator(),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/events", h.events)
	h.mux.HandleFunc("/api/v1/deliveries", h.deliveries)
	h.mux.HandleFunc("/api/v1/alarms", h.alarms)
	h.mux.HandleFunc("/api/v1/deadletters", h.deadLetters)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	alarms := h.pipeline.Alarms()
	resp := HealthResponse{
		Status:     "ok",
		AlarmCount: len(alarms),
		Alarms:     make(map[types.State]int),
		Deliveries: h.store.Counts(),
		Rules:      len(h.pipeline.Rules()),
	}
	for _, a := range alarms {
		resp.Alarms[a.State]++
	}
	jsonResp(w, http.StatusOK, resp)
}

// events handles POST /api/v1/events.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		jsonErr(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ev := req.toEvent()
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		out, results, err := h.pipeline.Process(r.Context(), ev)
		if err != nil {
			h.pipelineErr(w, err)
			return
		}
		if results == nil {
			results = []types.DeliveryResult{}
		}
		jsonResp(w, http.StatusOK, ProcessedResponse{Event: out, Results: results})
		return
	}

	out, err := h.pipeline.Submit(ev)
	if err != nil {
		h.pipelineErr(w, err)
		return
	}
	jsonResp(w, http.StatusAccepted, AcceptedResponse{ID: out.ID, PreviousState: out.PreviousState})
}

// deliveries returns GET /api/v1/deliveries.
func (h *Handler) deliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, h.store.List(store.Filter{
		EventID:  q.Get("event_id"),
		Severity: types.Severity(q.Get("severity")),
		Status:   types.DeliveryStatus(q.Get("status")),
		Limit:    limit,
	}))
}

// alarms returns GET /api/v1/alarms.
func (h *Handler) alarms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := h.pipeline.Alarms()
	out := AlarmsResponse{
		Alarms: make([]AlarmResponse, 0, len(snap)),
		Rules:  h.pipeline.Rules(),
	}
	for id, a := range snap {
		out.Alarms = append(out.Alarms, AlarmResponse{
			ID:        id,
			State:     a.State,
			UpdatedAt: a.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out.Alarms, func(i, j int) bool { return out.Alarms[i].ID < out.Alarms[j].ID })
	if out.Rules == nil {
		out.Rules = []suppress.RuleStatus{}
	}
	jsonResp(w, http.StatusOK, out)
}

// deadLetters returns GET /api/v1/deadletters.
func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.sink.List(r.Context(), limit)
	if err != nil {
		slog.Error("api: list dead letters", "err", err)
		jsonErr(w, http.StatusInternalServerError, "dead-letter sink unavailable")
		return
	}
	out := make([]DeadLetterResponse, 0, len(recs))
	for _, rec := range recs {
		hints := diagnose(rec)
		if hints == nil {
			hints = []DiagnosticHint{}
		}
		out = append(out, DeadLetterResponse{Record: rec, Hints: hints})
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) pipelineErr(w http.ResponseWriter, err error) {
	if errors.Is(err, alerts.ErrInvalidEvent) {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("api: pipeline failed", "err", err)
	jsonErr(w, http.StatusInternalServerError, "pipeline error")
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

// newValidator returns a validator with the singleline tag, which rejects
// CR and LF in fields that end up in notification headers.
func newValidator() *validator.Validate {
	v := validator.New()
	// Only fails for an empty or reserved tag name.
	_ = v.RegisterValidation("singleline", singleLine)
	return v
}

func singleLine(fl validator.FieldLevel) bool {
	return types.IsSingleLine(fl.Field().String())
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := "invalid event:"
	for i, fe := range verrs {
		if i > 0 {
			msg += ","
		}
		msg += " " + fe.Namespace() + " failed " + fe.Tag()
	}
	return msg
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
