package trials

import (
	"fmt"
	"strconv"
	"strings"
)

// Patient carries the facts needed for a basic eligibility screen.
type Patient struct {
	Age        int      `json:"age"`
	Sex        string   `json:"sex"` // MALE, FEMALE, or ALL
	Healthy    bool     `json:"is_healthy"`
	Conditions []string `json:"conditions,omitempty"`
}

// Assessment is the result of screening a patient against one trial's
// eligibility criteria. It covers only the structured fields; free-text
// criteria still need human review.
type Assessment struct {
	Eligible   bool     `json:"eligible"`
	Matches    []string `json:"matches"`
	Mismatches []string `json:"mismatches"`
}

// CompareEligibility screens a patient against a trial's structured
// eligibility fields. A patient with no mismatches is considered
// eligible at this level of screening.
func CompareEligibility(p Patient, e Eligibility) Assessment {
	var a Assessment

	if p.Age > 0 && e.MinAge != "" {
		if min, ok := parseAge(e.MinAge); ok {
			if p.Age >= min {
				a.Matches = append(a.Matches, fmt.Sprintf("Age meets minimum requirement (%s)", e.MinAge))
			} else {
				a.Mismatches = append(a.Mismatches, fmt.Sprintf("Age below minimum requirement (%s)", e.MinAge))
			}
		}
	}
	if p.Age > 0 && e.MaxAge != "" {
		if max, ok := parseAge(e.MaxAge); ok {
			if p.Age <= max {
				a.Matches = append(a.Matches, fmt.Sprintf("Age meets maximum requirement (%s)", e.MaxAge))
			} else {
				a.Mismatches = append(a.Mismatches, fmt.Sprintf("Age exceeds maximum requirement (%s)", e.MaxAge))
			}
		}
	}

	trialSex := strings.ToUpper(e.Sex)
	if trialSex == "" {
		trialSex = "ALL"
	}
	if trialSex == "ALL" || strings.ToUpper(p.Sex) == trialSex {
		a.Matches = append(a.Matches, fmt.Sprintf("Sex matches eligibility criteria (%s)", trialSex))
	} else {
		a.Mismatches = append(a.Mismatches, fmt.Sprintf("Sex does not match (%s required)", trialSex))
	}

	if !p.Healthy || e.HealthyVolunteers {
		a.Matches = append(a.Matches, "Patient status matches trial requirements")
	} else {
		a.Mismatches = append(a.Mismatches, "Trial does not accept healthy volunteers")
	}

	a.Eligible = len(a.Mismatches) == 0
	return a
}

// parseAge extracts the leading number from registry age strings like
// "18 Years" or "6 Months". "N/A" and malformed values are skipped.
func parseAge(s string) (int, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 || fields[0] == "N/A" {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return n, true
}
