package crawler

import (
	"errors"
	"strings"
	"time"

	"github.com/blockedby/tg-crawler/internal/models"
)

// validation errors
var (
	ErrSearchTarget    = errors.New("exactly one of term, category, language or all is required")
	ErrRefsRequired    = errors.New("refs must name at least one entity")
	ErrTooManyRefs     = errors.New("at most 100 refs per request")
	ErrRefRequired     = errors.New("ref is required")
	ErrInvalidLimit    = errors.New("limit must be within 0..100")
	ErrInvalidBudget   = errors.New("budget must be non-negative")
	ErrInvalidTypeName = errors.New("unknown entity type")
)

// SearchRequest starts a search run.
type SearchRequest struct {
	Term     string `json:"term,omitempty"`
	Category string `json:"category,omitempty"`
	Language string `json:"language,omitempty"`
	All      bool   `json:"all,omitempty"`
	// Limit applies to term searches; 0 uses the configured limit.
	Limit int `json:"limit,omitempty"`
}

// Validate checks that exactly one search target is set.
func (r *SearchRequest) Validate() error {
	r.Term = strings.TrimSpace(r.Term)
	set := 0
	for _, ok := range []bool{r.Term != "", r.Category != "", r.Language != "", r.All} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return ErrSearchTarget
	}
	if r.Limit < 0 || r.Limit > 100 {
		return ErrInvalidLimit
	}
	return nil
}

// Kind returns the run kind and argument for the history record.
func (r *SearchRequest) Kind() (kind, argument string) {
	switch {
	case r.Term != "":
		return "search-term", r.Term
	case r.Category != "":
		return "search-category", r.Category
	case r.Language != "":
		return "search-language", r.Language
	}
	return "search-all", ""
}

// ExtractRequest starts an extraction run.
type ExtractRequest struct {
	Refs []string `json:"refs"`
	// BudgetSeconds is the per-entity budget; 0 uses the configured budget.
	BudgetSeconds int `json:"budget_seconds,omitempty"`
}

// Validate normalizes and checks the refs.
func (r *ExtractRequest) Validate() error {
	refs := r.Refs[:0]
	for _, ref := range r.Refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	r.Refs = refs
	if len(r.Refs) == 0 {
		return ErrRefsRequired
	}
	if len(r.Refs) > 100 {
		return ErrTooManyRefs
	}
	if r.BudgetSeconds < 0 {
		return ErrInvalidBudget
	}
	return nil
}

// Budget returns the per-entity budget.
func (r *ExtractRequest) Budget() time.Duration {
	return time.Duration(r.BudgetSeconds) * time.Second
}

// SweepRequest starts a sweep over stored entities.
type SweepRequest struct {
	BudgetSeconds    int      `json:"budget_seconds"`
	PerEntitySeconds int      `json:"per_entity_seconds,omitempty"`
	Types            []string `json:"types,omitempty"`
	SkipExtracted    bool     `json:"skip_extracted,omitempty"`
}

// Validate checks budgets and type names.
func (r *SweepRequest) Validate() error {
	if r.BudgetSeconds < 0 || r.PerEntitySeconds < 0 {
		return ErrInvalidBudget
	}
	for _, t := range r.Types {
		if !models.EntityType(t).Valid() {
			return ErrInvalidTypeName
		}
	}
	return nil
}

// Options converts the request to sweep options.
func (r *SweepRequest) Options() SweepOptions {
	opts := SweepOptions{
		PerEntity:     time.Duration(r.PerEntitySeconds) * time.Second,
		SkipExtracted: r.SkipExtracted,
	}
	for _, t := range r.Types {
		opts.Types = append(opts.Types, models.EntityType(t))
	}
	return opts
}

// JoinRequest joins one entity.
type JoinRequest struct {
	Ref string `json:"ref"`
}

// Validate checks the ref.
func (r *JoinRequest) Validate() error {
	r.Ref = strings.TrimSpace(r.Ref)
	if r.Ref == "" {
		return ErrRefRequired
	}
	return nil
}

// RunResponse describes a started or current run.
type RunResponse struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Argument  string    `json:"argument,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

func runResponse(run *models.CrawlRun) RunResponse {
	return RunResponse{
		RunID:     run.ID.String(),
		Kind:      run.Kind,
		Argument:  run.Argument,
		Status:    string(run.Status),
		StartedAt: run.StartedAt,
	}
}

// EntitiesResponse is a page of stored entities.
type EntitiesResponse struct {
	Entities []models.Entity `json:"entities"`
	Total    int             `json:"total"`
	Offset   int             `json:"offset"`
	Limit    int             `json:"limit"`
}
