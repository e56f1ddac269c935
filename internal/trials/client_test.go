package trials

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleStudies = `{
	"totalCount": 3,
	"studies": [
		{
			"protocolSection": {
				"identificationModule": {
					"nctId": "NCT05502315",
					"briefTitle": "Brief Title",
					"officialTitle": "A Phase 2 Study of LNS8801 in Advanced Melanoma"
				},
				"statusModule": {
					"overallStatus": "RECRUITING",
					"startDateStruct": {"date": "2022-09-01"},
					"completionDateStruct": {"date": "2026-12-31"}
				},
				"descriptionModule": {"briefSummary": "Tests LNS8801 plus pembrolizumab."},
				"conditionsModule": {"conditions": ["Melanoma", "Uveal Melanoma"]},
				"designModule": {"phases": ["PHASE2"]},
				"armsInterventionsModule": {
					"interventions": [
						{"type": "DRUG", "name": "LNS8801"},
						{"type": "DRUG", "name": "Pembrolizumab"}
					]
				},
				"eligibilityModule": {
					"eligibilityCriteria": "Inclusion: measurable disease.",
					"sex": "ALL",
					"minimumAge": "18 Years",
					"healthyVolunteers": false
				},
				"contactsModule": {
					"locations": [
						{"facility": "MD Anderson", "city": "Houston", "state": "Texas", "country": "United States"}
					]
				}
			}
		}
	]
}`

func TestSearch_QueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		checks := map[string]string{
			"format":               "json",
			"countTotal":           "true",
			"sort":                 "@relevance",
			"pageSize":             "5",
			"query.term":           "LNS8801",
			"query.locn":           "Texas",
			"filter.overallStatus": "RECRUITING,NOT_YET_RECRUITING",
			"filter.phase":         "PHASE2,PHASE3",
		}
		for key, want := range checks {
			if got := q.Get(key); got != want {
				t.Errorf("param %s = %q, want %q", key, got, want)
			}
		}
		if q.Has("query.cond") || q.Has("query.intr") {
			t.Error("unset term fields must not be sent")
		}
		fmt.Fprint(w, sampleStudies)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	result, err := c.Search(context.Background(), SearchRequest{
		Query:      "LNS8801",
		Location:   "Texas",
		Status:     []string{"RECRUITING", "NOT_YET_RECRUITING"},
		Phase:      []string{"PHASE2", "PHASE3"},
		MaxResults: 5,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.TotalCount != 3 {
		t.Errorf("total = %d, want 3", result.TotalCount)
	}
}

func TestSearch_TrialExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleStudies)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	result, err := c.Search(context.Background(), SearchRequest{Query: "LNS8801"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Trials) != 1 {
		t.Fatalf("trials = %d, want 1", len(result.Trials))
	}

	trial := result.Trials[0]
	if trial.NCTID != "NCT05502315" {
		t.Errorf("nct id = %q", trial.NCTID)
	}
	// Official title is preferred over the brief title.
	if trial.Title != "A Phase 2 Study of LNS8801 in Advanced Melanoma" {
		t.Errorf("title = %q", trial.Title)
	}
	if trial.Status != "RECRUITING" {
		t.Errorf("status = %q", trial.Status)
	}
	if len(trial.Interventions) != 2 || trial.Interventions[0].Name != "LNS8801" {
		t.Errorf("interventions = %+v", trial.Interventions)
	}
	if trial.Eligibility.MinAge != "18 Years" {
		t.Errorf("min age = %q", trial.Eligibility.MinAge)
	}
	if len(trial.Locations) != 1 || trial.Locations[0].City != "Houston" {
		t.Errorf("locations = %+v", trial.Locations)
	}
	if trial.URL != "https://clinicaltrials.gov/study/NCT05502315" {
		t.Errorf("url = %q", trial.URL)
	}
	if trial.StartDate != "2022-09-01" || trial.CompletionDate != "2026-12-31" {
		t.Errorf("dates = %q / %q", trial.StartDate, trial.CompletionDate)
	}
}

func TestSearch_PageSizeClamped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("pageSize"); got != "1000" {
			t.Errorf("pageSize = %q, want 1000", got)
		}
		fmt.Fprint(w, `{"totalCount":0,"studies":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	if _, err := c.Search(context.Background(), SearchRequest{Query: "x", MaxResults: 5000}); err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestSearch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	if _, err := c.Search(context.Background(), SearchRequest{Query: "x"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
