package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIncidentFromContext(t *testing.T) {
	tests := []struct {
		name    string
		ctx     map[string]any
		want    Incident
		wantErr bool
	}{
		{
			name: "full context",
			ctx: map[string]any{
				"disaster_type": "earthquake",
				"terrain":       "urban",
				"location":      map[string]any{"lat": 34.05, "lon": -118.24},
			},
			want: Incident{DisasterType: "earthquake", Terrain: "urban", Location: Location{Lat: 34.05, Lon: -118.24}},
		},
		{
			name: "integer coordinates",
			ctx:  map[string]any{"location": map[string]any{"lat": 10, "lon": int64(20)}},
			want: Incident{Location: Location{Lat: 10, Lon: 20}},
		},
		{name: "empty context", ctx: map[string]any{}, want: Incident{}},
		{name: "null location", ctx: map[string]any{"location": nil}, want: Incident{}},
		{name: "disaster type not a string", ctx: map[string]any{"disaster_type": 3}, wantErr: true},
		{name: "location not an object", ctx: map[string]any{"location": "downtown"}, wantErr: true},
		{name: "missing lon", ctx: map[string]any{"location": map[string]any{"lat": 1.0}}, wantErr: true},
		{name: "lat out of range", ctx: map[string]any{"location": map[string]any{"lat": 91.0, "lon": 0.0}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IncidentFromContext(tt.ctx)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("IncidentFromContext() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("incident mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

var dims = []string{"a", "b"}

func TestNewProfileSet(t *testing.T) {
	fallback := WeightProfile{Name: "default", Weights: map[string]float64{"a": 0.5, "b": 0.5}}
	quake := WeightProfile{Name: "quake", DisasterType: "earthquake", Weights: map[string]float64{"a": 0.8, "b": 0.2}}
	custom := WeightProfile{Name: "custom", Weights: map[string]float64{"a": 1}}

	ps, err := NewProfileSet("profiles", []WeightProfile{quake, custom}, dims, fallback)
	if err != nil {
		t.Fatalf("NewProfileSet() failed: %v", err)
	}
	if got := ps.For("earthquake").Name; got != "quake" {
		t.Errorf("For(earthquake) = %s, want quake", got)
	}
	if got := ps.For("flood").Name; got != "custom" {
		t.Errorf("For(flood) = %s, want the untyped profile to replace the default", got)
	}
}

func TestNewProfileSet_Invalid(t *testing.T) {
	fallback := WeightProfile{Name: "default", Weights: map[string]float64{"a": 0.5, "b": 0.5}}

	tests := []struct {
		name    string
		profile WeightProfile
		want    string
	}{
		{name: "sum", profile: WeightProfile{Name: "p", Weights: map[string]float64{"a": 0.5, "b": 0.4}}, want: "sum to 0.9"},
		{name: "unknown dimension", profile: WeightProfile{Name: "p", Weights: map[string]float64{"c": 1}}, want: `unknown dimension "c"`},
		{name: "negative", profile: WeightProfile{Name: "p", Weights: map[string]float64{"a": 1.5, "b": -0.5}}, want: "negative weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProfileSet("scoring profiles", []WeightProfile{tt.profile}, dims, fallback)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Source != "scoring profiles" || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should name the source and contain %q", err, tt.want)
			}
		})
	}

	dup := WeightProfile{Name: "q", DisasterType: "earthquake", Weights: map[string]float64{"a": 1}}
	if _, err := NewProfileSet("profiles", []WeightProfile{dup, dup}, dims, fallback); err == nil {
		t.Error("expected error for two profiles of one disaster type")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: NewConfigurationError("rule R1", errors.New("bad")), want: "configuration error in rule R1: bad"},
		{err: &CycleDetectedError{Nodes: []string{"TASK_A", "TASK_B"}}, want: "task dependency cycle detected among: TASK_A, TASK_B"},
		{err: &InfeasibleError{HardRuleIDs: []string{"HR_DEADLINE"}}, want: "infeasible: every solution violates hard rules [HR_DEADLINE]"},
		{err: &InfeasibleError{Reason: "coverage below 0.70"}, want: "infeasible: coverage below 0.70"},
		{err: &ReservationConflictError{ResourceIDs: []string{"k9-1"}}, want: "resources no longer available: k9-1"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}

	inner := errors.New("missing file")
	if !errors.Is(NewConfigurationError("knowledge", inner), inner) {
		t.Error("ConfigurationError should unwrap to its cause")
	}
}

func TestAllocationResourceIDs(t *testing.T) {
	sol := AllocationSolution{Assignments: []Assignment{
		{TaskID: "T1", ResourceID: "usar-1"},
		{TaskID: "T2", ResourceID: "k9-1"},
		{TaskID: "T3", ResourceID: "usar-1"},
	}}
	if diff := cmp.Diff([]string{"usar-1", "k9-1"}, sol.ResourceIDs()); diff != "" {
		t.Errorf("ResourceIDs mismatch (-want +got):\n%s", diff)
	}
}
