package trials

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
)

// Searcher is the query capability the resolver fans out over.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// ResolveOptions narrows a resolve to a location, status set, or phase
// set. The zero value applies no filters.
type ResolveOptions struct {
	Location   string
	Status     []string
	Phase      []string
	MaxResults int
}

// Attempt records the outcome of one candidate query, keyed by its
// strategy label in Resolution.Attempts. Diagnostic only.
type Attempt struct {
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// Resolution is the outcome of a multi-strategy search.
type Resolution struct {
	TotalCount   int                `json:"total_count"`
	Trials       []Trial            `json:"trials"`
	StrategyUsed string             `json:"strategy_used"`
	Attempts     map[string]Attempt `json:"all_strategies"`
}

// Resolver runs several candidate queries for one search term in
// parallel and picks the most relevant non-empty result.
type Resolver struct {
	searcher Searcher
	logger   *slog.Logger
}

// NewResolver wraps a search capability with multi-strategy resolution.
func NewResolver(searcher Searcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		searcher: searcher,
		logger:   logger.With("service", "resolver"),
	}
}

var (
	plainForm  = regexp.MustCompile(`^([A-Za-z]+)(\d+)$`)
	hyphenForm = regexp.MustCompile(`^([A-Za-z]+)-(\d+)$`)
	spaceForm  = regexp.MustCompile(`^([A-Za-z]+)\s+(\d+)$`)
)

// Variations expands a term per the letter-prefix drug code convention:
// LNS8801, LNS-8801 and LNS 8801 all name the same compound, and the
// registry indexes whichever form the sponsor filed. The original term
// is always first; terms that match none of the patterns produce no
// extra variations.
func Variations(term string) []string {
	forms := []string{term}
	seen := map[string]bool{term: true}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			forms = append(forms, s)
		}
	}

	for _, re := range []*regexp.Regexp{plainForm, hyphenForm, spaceForm} {
		m := re.FindStringSubmatch(term)
		if m == nil {
			continue
		}
		prefix, digits := m[1], m[2]
		add(prefix + digits)
		add(prefix + "-" + digits)
		add(prefix + " " + digits)
	}
	return forms
}

type candidate struct {
	label string
	req   SearchRequest
}

type outcome struct {
	index  int
	label  string
	result *SearchResult
	err    error
}

// Resolve dispatches the candidate queries for term concurrently and
// selects the winner. Candidates 0..2 query the original term against
// the free-text, intervention and condition fields; candidates 3 and
// up re-query each surface variation as free text. A primary candidate
// with results always beats a variation, regardless of hit counts, and
// a candidate with zero hits is never selected. The returned error is
// non-nil only when every candidate failed or came back empty.
func (r *Resolver) Resolve(ctx context.Context, term string, opts ResolveOptions) (*Resolution, error) {
	base := SearchRequest{
		Location:   opts.Location,
		Status:     opts.Status,
		Phase:      opts.Phase,
		MaxResults: opts.MaxResults,
	}

	candidates := []candidate{
		{label: "query:" + term, req: withQuery(base, term)},
		{label: "intervention:" + term, req: withIntervention(base, term)},
		{label: "condition:" + term, req: withCondition(base, term)},
	}
	for _, v := range Variations(term) {
		if v == term {
			continue
		}
		candidates = append(candidates, candidate{
			label: "query:" + v,
			req:   withQuery(base, v),
		})
	}

	outcomes := make([]outcome, len(candidates))
	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand candidate) {
			defer wg.Done()
			result, err := r.searcher.Search(ctx, cand.req)
			outcomes[i] = outcome{index: i, label: cand.label, result: result, err: err}
		}(i, cand)
	}
	wg.Wait()

	attempts := make(map[string]Attempt, len(outcomes))
	var hits []outcome
	for _, o := range outcomes {
		if o.err != nil {
			attempts[o.label] = Attempt{Error: o.err.Error()}
			continue
		}
		attempts[o.label] = Attempt{Count: o.result.TotalCount}
		if o.result.TotalCount > 0 {
			hits = append(hits, o)
		}
	}

	winner := selectWinner(hits)
	if winner == nil {
		r.logger.Info("all strategies empty", "term", term, "candidates", len(candidates))
		return &Resolution{Attempts: attempts},
			fmt.Errorf("no trials found for %q using any search strategy", term)
	}

	r.logger.Debug("strategy selected",
		"term", term,
		"strategy", winner.label,
		"total", winner.result.TotalCount,
	)
	return &Resolution{
		TotalCount:   winner.result.TotalCount,
		Trials:       winner.result.Trials,
		StrategyUsed: winner.label,
		Attempts:     attempts,
	}, nil
}

// selectWinner prefers the lowest-indexed primary candidate (0..2) and
// falls back to the lowest-indexed variation only when no primary
// produced results. An exact-term match is trusted over a rewritten
// term even when the rewrite returns more hits.
func selectWinner(hits []outcome) *outcome {
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].index < hits[j].index })
	for i := range hits {
		if hits[i].index < 3 {
			return &hits[i]
		}
	}
	return &hits[0]
}

func withQuery(base SearchRequest, term string) SearchRequest {
	base.Query = term
	return base
}

func withIntervention(base SearchRequest, term string) SearchRequest {
	base.Intervention = term
	return base
}

func withCondition(base SearchRequest, term string) SearchRequest {
	base.Condition = term
	return base
}
