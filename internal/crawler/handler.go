package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blockedby/tg-crawler/internal/join"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/search"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// StatusFunc reports the telegram connection status.
type StatusFunc func() telegram.Status

// Handler handles HTTP requests for the crawler.
type Handler struct {
	session        *Session
	runs           *RunManager
	telegramStatus StatusFunc
}

// NewHandler creates a new handler. status may be nil.
func NewHandler(session *Session, runs *RunManager, status StatusFunc) *Handler {
	return &Handler{session: session, runs: runs, telegramStatus: status}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if h.telegramStatus != nil {
		body["telegram_status"] = string(h.telegramStatus())
	}
	respondJSON(w, http.StatusOK, body)
}

// StartSearch handles POST /api/v1/search
func (h *Handler) StartSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	kind, arg := req.Kind()

	h.start(w, kind, arg, func(ctx context.Context) (RunResult, error) {
		if req.Term != "" {
			res, err := h.session.SearchTerm(ctx, req.Term, req.Limit)
			if res == nil {
				return RunResult{}, err
			}
			if err == nil && res.Error != "" {
				err = errors.New(res.Error)
			}
			return RunResult{NewEntities: res.New}, err
		}

		var (
			report *search.Report
			err    error
		)
		switch {
		case req.Category != "":
			report, err = h.session.SearchCategory(ctx, req.Category)
		case req.Language != "":
			report, err = h.session.SearchLanguage(ctx, req.Language)
		default:
			report, err = h.session.SearchAll(ctx)
		}
		if report == nil {
			return RunResult{}, err
		}
		return RunResult{NewEntities: report.New}, err
	})
}

// StartExtract handles POST /api/v1/extract
func (h *Handler) StartExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !decode(w, r, &req) {
		return
	}

	h.start(w, "extract", strings.Join(req.Refs, ","), func(ctx context.Context) (RunResult, error) {
		reports, err := h.session.ExtractMany(ctx, req.Refs, req.Budget())
		var res RunResult
		for _, rep := range reports {
			res.NewMembers += rep.NewMembers
		}
		return res, err
	})
}

// StartSweep handles POST /api/v1/sweep
func (h *Handler) StartSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !decode(w, r, &req) {
		return
	}
	budget := time.Duration(req.BudgetSeconds) * time.Second

	h.start(w, "sweep", budget.String(), func(ctx context.Context) (RunResult, error) {
		report, err := h.session.Sweep(ctx, budget, req.Options())
		if report == nil {
			return RunResult{}, err
		}
		return RunResult{NewMembers: report.NewMembers}, err
	})
}

// StartReclassify handles POST /api/v1/reclassify
func (h *Handler) StartReclassify(w http.ResponseWriter, _ *http.Request) {
	h.start(w, "reclassify", "", func(ctx context.Context) (RunResult, error) {
		_, err := h.session.Reclassify(ctx)
		return RunResult{}, err
	})
}

// Join handles POST /api/v1/join. Joins run synchronously.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.session.Join(r.Context(), req.Ref)
	if err == nil {
		respondJSON(w, http.StatusOK, res)
		return
	}

	if rl, ok := telegram.AsRateLimited(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	switch {
	case errors.Is(err, join.ErrJoinUnverified):
		respondJSON(w, http.StatusAccepted, res)
	case errors.Is(err, join.ErrJoinDenied):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, telegram.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, telegram.ErrNotAuthorized):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// RunStatus handles GET /api/v1/runs/status
func (h *Handler) RunStatus(w http.ResponseWriter, _ *http.Request) {
	current := h.runs.Current()
	if current == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	respondJSON(w, http.StatusOK, runResponse(current))
}

// StopRun handles DELETE /api/v1/runs/current
func (h *Handler) StopRun(w http.ResponseWriter, _ *http.Request) {
	if !h.runs.Stop() {
		respondJSON(w, http.StatusOK, map[string]string{"message": "no run in progress"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "run stopped"})
}

// ListRuns handles GET /api/v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntWithDefault(r.URL.Query().Get("limit"), 50)
	runs, err := h.runs.History(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.CrawlRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// ListEntities handles GET /api/v1/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntWithDefault(q.Get("limit"), 50)
	offset := parseIntWithDefault(q.Get("offset"), 0)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	typ, category, language := q.Get("type"), q.Get("category"), q.Get("language")

	var matched []models.Entity
	for _, e := range h.session.Entities().All() {
		if typ != "" && string(e.Type) != typ {
			continue
		}
		if category != "" && !strings.EqualFold(e.Category, category) {
			continue
		}
		if language != "" && !strings.EqualFold(e.Language, language) {
			continue
		}
		matched = append(matched, e)
	}

	page := []models.Entity{}
	if offset < len(matched) {
		page = matched[offset:min(offset+limit, len(matched))]
	}
	respondJSON(w, http.StatusOK, EntitiesResponse{
		Entities: page,
		Total:    len(matched),
		Offset:   offset,
		Limit:    limit,
	})
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.session.Stats())
}

func (h *Handler) start(w http.ResponseWriter, kind, arg string, task Task) {
	run, err := h.runs.Start(kind, arg, task)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, runResponse(run))
}

// validator is implemented by request bodies.
type validator interface {
	Validate() error
}

// decode reads and validates a JSON body, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v validator) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}
	if err := v.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// helper functions

func parseIntWithDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
