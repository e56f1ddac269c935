// Package tools defines the tools available to the agent. The catalog
// here is the single source of truth: the same set is advertised to
// the model and recognized by Execute, so the two can never diverge.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/trial-scout/internal/trials"
)

// ErrUnknownTool marks a request for a tool outside the catalog. This
// is a model/catalog mismatch, not a recoverable call failure.
var ErrUnknownTool = errors.New("unknown tool")

// TrialResolver is the multi-strategy trial search capability.
type TrialResolver interface {
	Resolve(ctx context.Context, term string, opts trials.ResolveOptions) (*trials.Resolution, error)
}

// Asker is a natural-language question collaborator (DrugCentral,
// Pharos). The answer is opaque formatted text.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                           `json:"name"`
	Description string                                                           `json:"description"`
	Parameters  map[string]any                                                   `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error)   `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools       map[string]*Tool
	resolver    TrialResolver
	drugcentral Asker
	pharos      Asker
	logger      *slog.Logger
}

// NewRegistry creates a tool registry. drugcentral and pharos may be
// nil when those collaborators are not configured; their tools then
// report that instead of being silently absent, so the model learns
// why a capability it expects is unavailable.
func NewRegistry(resolver TrialResolver, drugcentral, pharos Asker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:       make(map[string]*Tool),
		resolver:    resolver,
		drugcentral: drugcentral,
		pharos:      pharos,
		logger:      logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "search_clinical_trials",
		Description: "Search ClinicalTrials.gov for clinical trials. Tries the term as free text, as an intervention, as a condition, and with drug-code spelling variations, then returns the most relevant non-empty result. Use this when users ask about clinical trials, medical studies, or research for a drug, condition, or target.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"search_term": map[string]any{
					"type":        "string",
					"description": "The main search term: a drug name (e.g., 'LNS8801', 'pembrolizumab'), condition (e.g., 'Breast Cancer'), or target",
				},
				"location": map[string]any{
					"type":        "string",
					"description": "Geographic location filter (e.g., 'California', 'United States')",
				},
				"status": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recruitment statuses. Options: RECRUITING, NOT_YET_RECRUITING, ACTIVE_NOT_RECRUITING, COMPLETED, SUSPENDED, TERMINATED, WITHDRAWN",
				},
				"phase": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Trial phases. Options: PHASE1, PHASE2, PHASE3, PHASE4",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of trials to return (default: 5, max: 50)",
				},
			},
			"required": []string{"search_term"},
		},
		Handler: r.handleSearchTrials,
	})

	r.Register(&Tool{
		Name:        "query_drugcentral_database",
		Description: "Query the DrugCentral pharmaceutical database using natural language. Use for questions about drug mechanisms, targets, FDA approvals, products, and chemistry. Examples: 'What drugs target GPER?', 'Show me FDA approved orphan drugs from 2023'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "Natural language question about drugs, targets, or pharmaceutical data",
				},
			},
			"required": []string{"question"},
		},
		Handler: r.handleDrugCentral,
	})

	r.Register(&Tool{
		Name:        "query_pharos_api",
		Description: "Query the Pharos IDG API using natural language for protein target data: TDL druggability classifications, disease associations, ligand counts, and protein interactions. Examples: 'What is ADORA1?', 'How druggable is BRCA1?'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "Natural language question about protein targets",
				},
			},
			"required": []string{"question"},
		},
		Handler: r.handlePharos,
	})

	r.Register(&Tool{
		Name:        "compare_eligibility",
		Description: "Screen a patient profile against a trial's structured eligibility criteria (age range, sex, healthy volunteer policy). Returns matches, mismatches, and an overall basic-eligibility verdict. Free-text criteria still need human review.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patient": map[string]any{
					"type":        "object",
					"description": "Patient profile: age (integer), sex ('MALE' or 'FEMALE'), is_healthy (boolean)",
				},
				"eligibility": map[string]any{
					"type":        "object",
					"description": "Trial eligibility from a search result: min_age, max_age, sex, healthy_volunteers",
				},
			},
			"required": []string{"patient", "eligibility"},
		},
		Handler: r.handleCompareEligibility,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tools in the model-facing advertisement format.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments. An unknown name is
// an error, never a silent no-op; an argument decode failure is an
// error scoped to this one call.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	return tool.Handler(ctx, args)
}

// Tool handlers

// searchPayload is the JSON the model receives from a trial search.
// Mirrors the resolver's outcome, including the diagnostic strategy
// map, so the model can explain what was tried.
type searchPayload struct {
	Success       bool                      `json:"success"`
	TotalCount    int                       `json:"total_count"`
	Trials        []trials.Trial            `json:"trials"`
	StrategyUsed  string                    `json:"strategy_used,omitempty"`
	AllStrategies map[string]trials.Attempt `json:"all_strategies,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

func (r *Registry) handleSearchTrials(ctx context.Context, args map[string]any) (string, error) {
	term, _ := args["search_term"].(string)
	if term == "" {
		return "", fmt.Errorf("search_term is required")
	}

	opts := trials.ResolveOptions{MaxResults: 5}
	if loc, ok := args["location"].(string); ok {
		opts.Location = loc
	}
	opts.Status = stringSlice(args["status"])
	opts.Phase = stringSlice(args["phase"])
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		opts.MaxResults = int(n)
		if opts.MaxResults > 50 {
			opts.MaxResults = 50
		}
	}

	payload := searchPayload{Trials: []trials.Trial{}}
	res, err := r.resolver.Resolve(ctx, term, opts)
	if err != nil {
		// An empty resolve is information for the model, not a run
		// failure. The error text and per-strategy diagnostics go
		// back as the tool result.
		payload.Error = err.Error()
		if res != nil {
			payload.AllStrategies = res.Attempts
		}
	} else {
		payload.Success = true
		payload.TotalCount = res.TotalCount
		payload.Trials = res.Trials
		payload.StrategyUsed = res.StrategyUsed
		payload.AllStrategies = res.Attempts
	}

	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode search results: %w", err)
	}
	return string(out), nil
}

func (r *Registry) handleDrugCentral(ctx context.Context, args map[string]any) (string, error) {
	if r.drugcentral == nil {
		return "", fmt.Errorf("DrugCentral not configured")
	}
	question, _ := args["question"].(string)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	return r.drugcentral.Ask(ctx, question)
}

func (r *Registry) handlePharos(ctx context.Context, args map[string]any) (string, error) {
	if r.pharos == nil {
		return "", fmt.Errorf("Pharos not configured")
	}
	question, _ := args["question"].(string)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	return r.pharos.Ask(ctx, question)
}

func (r *Registry) handleCompareEligibility(_ context.Context, args map[string]any) (string, error) {
	var patient trials.Patient
	if err := reencode(args["patient"], &patient); err != nil {
		return "", fmt.Errorf("invalid patient: %w", err)
	}
	var eligibility trials.Eligibility
	if err := reencode(args["eligibility"], &eligibility); err != nil {
		return "", fmt.Errorf("invalid eligibility: %w", err)
	}

	assessment := trials.CompareEligibility(patient, eligibility)
	out, err := json.MarshalIndent(assessment, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode assessment: %w", err)
	}
	return string(out), nil
}

// reencode converts a decoded JSON value into a typed struct.
func reencode(v any, dst any) error {
	if v == nil {
		return fmt.Errorf("missing value")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
