package trials

import "testing"

func TestCompareEligibility(t *testing.T) {
	tests := []struct {
		name         string
		patient      Patient
		eligibility  Eligibility
		wantEligible bool
		wantMismatch int
	}{
		{
			name:         "age and sex within bounds",
			patient:      Patient{Age: 45, Sex: "FEMALE"},
			eligibility:  Eligibility{MinAge: "18 Years", MaxAge: "75 Years", Sex: "ALL"},
			wantEligible: true,
		},
		{
			name:         "below minimum age",
			patient:      Patient{Age: 16, Sex: "MALE"},
			eligibility:  Eligibility{MinAge: "18 Years", Sex: "ALL"},
			wantEligible: false,
			wantMismatch: 1,
		},
		{
			name:         "above maximum age",
			patient:      Patient{Age: 80, Sex: "MALE"},
			eligibility:  Eligibility{MinAge: "18 Years", MaxAge: "75 Years", Sex: "ALL"},
			wantEligible: false,
			wantMismatch: 1,
		},
		{
			name:         "sex restricted trial mismatch",
			patient:      Patient{Age: 40, Sex: "MALE"},
			eligibility:  Eligibility{Sex: "FEMALE"},
			wantEligible: false,
			wantMismatch: 1,
		},
		{
			name:         "healthy volunteer rejected",
			patient:      Patient{Age: 30, Sex: "FEMALE", Healthy: true},
			eligibility:  Eligibility{Sex: "ALL", HealthyVolunteers: false},
			wantEligible: false,
			wantMismatch: 1,
		},
		{
			name:         "healthy volunteer accepted",
			patient:      Patient{Age: 30, Sex: "FEMALE", Healthy: true},
			eligibility:  Eligibility{Sex: "ALL", HealthyVolunteers: true},
			wantEligible: true,
		},
		{
			name:         "unparseable age is skipped",
			patient:      Patient{Age: 10, Sex: "MALE"},
			eligibility:  Eligibility{MinAge: "N/A", Sex: "ALL"},
			wantEligible: true,
		},
		{
			name:         "empty sex treated as ALL",
			patient:      Patient{Age: 50, Sex: "FEMALE"},
			eligibility:  Eligibility{},
			wantEligible: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareEligibility(tt.patient, tt.eligibility)
			if got.Eligible != tt.wantEligible {
				t.Errorf("eligible = %v, want %v (mismatches: %v)",
					got.Eligible, tt.wantEligible, got.Mismatches)
			}
			if tt.wantMismatch > 0 && len(got.Mismatches) != tt.wantMismatch {
				t.Errorf("mismatches = %d, want %d: %v",
					len(got.Mismatches), tt.wantMismatch, got.Mismatches)
			}
		})
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"18 Years", 18, true},
		{"6 Months", 6, true},
		{"N/A", 0, false},
		{"", 0, false},
		{"unknown", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseAge(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseAge(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
