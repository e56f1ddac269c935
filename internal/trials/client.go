// Package trials searches ClinicalTrials.gov (API v2) for studies and
// resolves free-text drug and condition terms to the best-matching
// result set across several query strategies.
package trials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/trial-scout/internal/httpkit"
)

const (
	// DefaultBaseURL is the ClinicalTrials.gov API v2 studies endpoint.
	DefaultBaseURL = "https://clinicaltrials.gov/api/v2/studies"

	// maxPageSize is the API's hard cap on results per page.
	maxPageSize = 1000
)

// SearchRequest describes one query against the studies endpoint. The
// three term fields target different indexed areas of the registry; at
// most one is normally set per request.
type SearchRequest struct {
	Query        string   // free-text search across all fields
	Condition    string   // dedicated condition/disease field
	Intervention string   // dedicated intervention/treatment field
	Location     string   // geographic filter
	Status       []string // recruitment statuses, e.g. RECRUITING
	Phase        []string // trial phases, e.g. PHASE2
	MaxResults   int
}

// SearchResult is one page of matching studies plus the registry's
// total match count.
type SearchResult struct {
	TotalCount int     `json:"total_count"`
	Trials     []Trial `json:"trials"`
}

// Trial is the subset of a registry study record the agent works with.
type Trial struct {
	NCTID          string         `json:"nct_id"`
	Title          string         `json:"title"`
	Status         string         `json:"status"`
	Phases         []string       `json:"phase"`
	BriefSummary   string         `json:"brief_summary"`
	Conditions     []string       `json:"conditions"`
	Interventions  []Intervention `json:"interventions"`
	Eligibility    Eligibility    `json:"eligibility"`
	Locations      []Location     `json:"locations"`
	URL            string         `json:"url"`
	StartDate      string         `json:"start_date,omitempty"`
	CompletionDate string         `json:"completion_date,omitempty"`
}

// Intervention is one treatment arm entry (drug, device, procedure).
type Intervention struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Eligibility carries a trial's enrollment criteria.
type Eligibility struct {
	Criteria          string `json:"criteria,omitempty"`
	Sex               string `json:"sex,omitempty"`
	MinAge            string `json:"min_age,omitempty"`
	MaxAge            string `json:"max_age,omitempty"`
	HealthyVolunteers bool   `json:"healthy_volunteers"`
}

// Location is one study site.
type Location struct {
	Facility string `json:"facility,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Client queries the ClinicalTrials.gov registry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a registry client. An empty baseURL selects the
// public API endpoint.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:     logger.With("service", "clinicaltrials"),
	}
}

// Search runs one query against the registry and extracts the fields
// the agent cares about from each returned study.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("countTotal", "true")
	params.Set("sort", "@relevance")

	pageSize := req.MaxResults
	if pageSize <= 0 {
		pageSize = 5
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	params.Set("pageSize", strconv.Itoa(pageSize))

	// Dedicated query parameters are more accurate than AREA syntax
	// embedded in query.term.
	if req.Query != "" {
		params.Set("query.term", req.Query)
	}
	if req.Condition != "" {
		params.Set("query.cond", req.Condition)
	}
	if req.Intervention != "" {
		params.Set("query.intr", req.Intervention)
	}
	if req.Location != "" {
		params.Set("query.locn", req.Location)
	}
	if len(req.Status) > 0 {
		params.Set("filter.overallStatus", strings.Join(req.Status, ","))
	}
	if len(req.Phase) > 0 {
		params.Set("filter.phase", strings.Join(req.Phase, ","))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("clinicaltrials.gov request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, fmt.Errorf("clinicaltrials.gov status %d: %s", resp.StatusCode, body)
	}

	var payload studiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &SearchResult{
		TotalCount: payload.TotalCount,
		Trials:     make([]Trial, 0, len(payload.Studies)),
	}
	for _, study := range payload.Studies {
		result.Trials = append(result.Trials, study.toTrial())
	}

	c.logger.Debug("search complete",
		"query", req.Query,
		"condition", req.Condition,
		"intervention", req.Intervention,
		"total", result.TotalCount,
		"returned", len(result.Trials),
	)
	return result, nil
}

// Registry wire format. Only the modules we extract are declared.

type studiesResponse struct {
	TotalCount int     `json:"totalCount"`
	Studies    []study `json:"studies"`
}

type study struct {
	ProtocolSection struct {
		Identification struct {
			NCTID         string `json:"nctId"`
			OfficialTitle string `json:"officialTitle"`
			BriefTitle    string `json:"briefTitle"`
		} `json:"identificationModule"`
		Status struct {
			OverallStatus string `json:"overallStatus"`
			StartDate     struct {
				Date string `json:"date"`
			} `json:"startDateStruct"`
			CompletionDate struct {
				Date string `json:"date"`
			} `json:"completionDateStruct"`
		} `json:"statusModule"`
		Description struct {
			BriefSummary string `json:"briefSummary"`
		} `json:"descriptionModule"`
		Conditions struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		Design struct {
			Phases []string `json:"phases"`
		} `json:"designModule"`
		ArmsInterventions struct {
			Interventions []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		Eligibility struct {
			EligibilityCriteria string `json:"eligibilityCriteria"`
			Sex                 string `json:"sex"`
			MinimumAge          string `json:"minimumAge"`
			MaximumAge          string `json:"maximumAge"`
			HealthyVolunteers   bool   `json:"healthyVolunteers"`
		} `json:"eligibilityModule"`
		Contacts struct {
			Locations []struct {
				Facility string `json:"facility"`
				City     string `json:"city"`
				State    string `json:"state"`
				Country  string `json:"country"`
			} `json:"locations"`
		} `json:"contactsModule"`
	} `json:"protocolSection"`
}

func (s study) toTrial() Trial {
	p := s.ProtocolSection

	title := p.Identification.OfficialTitle
	if title == "" {
		title = p.Identification.BriefTitle
	}

	t := Trial{
		NCTID:        p.Identification.NCTID,
		Title:        title,
		Status:       p.Status.OverallStatus,
		Phases:       p.Design.Phases,
		BriefSummary: p.Description.BriefSummary,
		Conditions:   p.Conditions.Conditions,
		Eligibility: Eligibility{
			Criteria:          p.Eligibility.EligibilityCriteria,
			Sex:               p.Eligibility.Sex,
			MinAge:            p.Eligibility.MinimumAge,
			MaxAge:            p.Eligibility.MaximumAge,
			HealthyVolunteers: p.Eligibility.HealthyVolunteers,
		},
		URL:            "https://clinicaltrials.gov/study/" + p.Identification.NCTID,
		StartDate:      p.Status.StartDate.Date,
		CompletionDate: p.Status.CompletionDate.Date,
	}
	for _, iv := range p.ArmsInterventions.Interventions {
		t.Interventions = append(t.Interventions, Intervention{Type: iv.Type, Name: iv.Name})
	}
	for _, loc := range p.Contacts.Locations {
		t.Locations = append(t.Locations, Location{
			Facility: loc.Facility,
			City:     loc.City,
			State:    loc.State,
			Country:  loc.Country,
		})
	}
	return t
}
