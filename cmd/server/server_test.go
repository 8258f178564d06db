package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/incidents"
	"github.com/liamcoop/rescueplan/inventory"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/pipeline"
)

// newTestServer wires the server against the YAML knowledge and inventory
// under testdata, with a run store in a temporary directory.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	settings := config.DefaultSettings()
	settings.Knowledge.Path = "../../testdata/knowledge"
	settings.Inventory.SeedPath = "../../testdata/inventory.yaml"
	settings.RunStore.Path = filepath.Join(t.TempDir(), "runs.db")
	settings.Server.RequestTimeout = 30 * time.Second

	server, err := NewServer(context.Background(), settings)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server
}

// makeRequest is a helper function to make HTTP requests against the router
func makeRequest(t *testing.T, s *Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reqBody = bytes.NewBufferString(b)
		default:
			jsonBody, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("Failed to marshal request body: %v", err)
			}
			reqBody = bytes.NewBuffer(jsonBody)
		}
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	resp := rec.Result()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	resp.Body.Close()
	return resp, respBody
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to decode response %s: %v", body, err)
	}
}

func collapseContext() map[string]any {
	return map[string]any{
		"disaster_type":         "earthquake",
		"severity":              4,
		"has_building_collapse": true,
		"has_trapped_persons":   true,
		"estimated_casualties":  12,
		"location":              map[string]any{"lat": 34.05, "lon": -118.24},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}

	var health HealthResponse
	decode(t, body, &health)
	if health.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", health.Status)
	}
	if _, ok := health.Counters["runs_completed"]; !ok {
		t.Errorf("Expected run counters, got %v", health.Counters)
	}
}

// TestPlanLifecycle submits a plan and reads it back through the run and
// incident endpoints.
func TestPlanLifecycle(t *testing.T) {
	s := newTestServer(t)

	commit := false
	resp, body := makeRequest(t, s, http.MethodPost, "/api/v1/plans", PlanRequest{
		IncidentID: "eq-1",
		Context:    collapseContext(),
		Commit:     &commit,
	})

	var res pipeline.Result
	decode(t, body, &res)
	if res.RunID == "" || res.IncidentID != "eq-1" {
		t.Fatalf("Unexpected result: %s", body)
	}
	if resp.StatusCode != planStatus(&res) {
		t.Errorf("Expected status %d for %s/%s, got %d", planStatus(&res), res.Status, res.Reason, resp.StatusCode)
	}
	if len(res.Trace) == 0 || res.Trace[0].To != pipeline.StateLoaded {
		t.Errorf("Expected a trace starting at loaded, got %+v", res.Trace)
	}
	if res.Plan != nil && res.Plan.Committed {
		t.Error("Dry run must not commit")
	}

	t.Run("get run", func(t *testing.T) {
		resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/runs/"+res.RunID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
		}
		var stored pipeline.Result
		decode(t, body, &stored)
		if stored.RunID != res.RunID || stored.Status != res.Status {
			t.Errorf("Stored run %s/%s, want %s/%s", stored.RunID, stored.Status, res.RunID, res.Status)
		}
	})

	t.Run("get trace", func(t *testing.T) {
		resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/runs/"+res.RunID+"/trace", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
		}
		var trace TraceResponse
		decode(t, body, &trace)
		if len(trace.Trace) != len(res.Trace) {
			t.Errorf("Expected %d trace records, got %d", len(res.Trace), len(trace.Trace))
		}
	})

	t.Run("list runs", func(t *testing.T) {
		resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/runs?incident=eq-1", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
		}
		var list RunsListResponse
		decode(t, body, &list)
		if len(list.Runs) != 1 || list.Runs[0].RunID != res.RunID {
			t.Errorf("Unexpected runs: %+v", list.Runs)
		}
	})

	t.Run("incident status", func(t *testing.T) {
		resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/incidents/eq-1", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
		}
		var status incidents.Status
		decode(t, body, &status)
		if status.LastRunID != res.RunID || status.Running || status.Submissions != 1 {
			t.Errorf("Unexpected incident status: %+v", status)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		resp, _ := makeRequest(t, s, http.MethodGet, "/api/v1/runs/missing", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
	})
}

func TestPlanValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "malformed body", body: "{not json", wantStatus: http.StatusBadRequest},
		{name: "missing context", body: map[string]any{"incident_id": "eq-1"}, wantStatus: http.StatusBadRequest},
		{name: "malformed location", body: PlanRequest{Context: map[string]any{"location": "downtown"}}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := makeRequest(t, s, http.MethodPost, "/api/v1/plans", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, resp.StatusCode, body)
			}
		})
	}
}

// TestPlanNoMatchedRules verifies a quiet context yields a completed no-op
// plan.
func TestPlanNoMatchedRules(t *testing.T) {
	s := newTestServer(t)

	resp, body := makeRequest(t, s, http.MethodPost, "/api/v1/plans", PlanRequest{
		Context: map[string]any{"disaster_type": "earthquake", "has_building_collapse": false},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var res pipeline.Result
	decode(t, body, &res)
	if res.Plan == nil || !res.Plan.NoOp {
		t.Errorf("Expected a no-op plan, got %s", body)
	}
}

func TestIncidentEndpoints(t *testing.T) {
	s := newTestServer(t)

	commit := false
	makeRequest(t, s, http.MethodPost, "/api/v1/plans", PlanRequest{IncidentID: "eq-1", Context: collapseContext(), Commit: &commit})

	resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/incidents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var list IncidentsListResponse
	decode(t, body, &list)
	if len(list.Incidents) != 1 || list.Incidents[0].IncidentID != "eq-1" {
		t.Errorf("Unexpected incidents: %+v", list.Incidents)
	}

	_, body = makeRequest(t, s, http.MethodGet, "/api/v1/incidents?active=true", nil)
	decode(t, body, &list)
	if len(list.Incidents) != 0 {
		t.Errorf("Expected no active incidents, got %+v", list.Incidents)
	}

	resp, body = makeRequest(t, s, http.MethodPost, "/api/v1/incidents/eq-1/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var cancel CancelResponse
	decode(t, body, &cancel)
	if cancel.Canceled {
		t.Error("Nothing was in flight to cancel")
	}

	resp, _ = makeRequest(t, s, http.MethodPost, "/api/v1/incidents/missing/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}

	resp, _ = makeRequest(t, s, http.MethodDelete, "/api/v1/incidents/eq-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	resp, _ = makeRequest(t, s, http.MethodGet, "/api/v1/incidents/eq-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 after close, got %d", resp.StatusCode)
	}
}

func TestRuleEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/rules", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var rules RulesListResponse
	decode(t, body, &rules)
	if len(rules.Rules) == 0 {
		t.Fatal("Expected rules to be loaded")
	}

	t.Run("evaluate all", func(t *testing.T) {
		resp, body := makeRequest(t, s, http.MethodPost, "/api/v1/rules/evaluate", EvaluateRequest{
			Context: map[string]any{"has_gas_leak": true},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
		}
		var eval EvaluateResponse
		decode(t, body, &eval)
		if len(eval.Results) != len(rules.Rules) {
			t.Errorf("Expected %d results, got %d", len(rules.Rules), len(eval.Results))
		}
		for _, r := range eval.Results {
			if r.RuleID == "R_HAZMAT" && !r.Matched {
				t.Errorf("R_HAZMAT should match a gas leak: %+v", r)
			}
		}
	})

	t.Run("evaluate selected", func(t *testing.T) {
		_, body := makeRequest(t, s, http.MethodPost, "/api/v1/rules/evaluate", EvaluateRequest{
			Context: map[string]any{"has_gas_leak": true},
			RuleIDs: []string{"R_HAZMAT"},
		})
		var eval EvaluateResponse
		decode(t, body, &eval)
		if len(eval.Results) != 1 || eval.Results[0].RuleID != "R_HAZMAT" || !eval.Results[0].Matched {
			t.Errorf("Unexpected results: %+v", eval.Results)
		}
	})

	t.Run("reload", func(t *testing.T) {
		resp, body := makeRequest(t, s, http.MethodPost, "/api/v1/knowledge/reload", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d: %s", resp.StatusCode, body)
		}
	})
}

func TestResourceEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := makeRequest(t, s, http.MethodGet, "/api/v1/resources", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var list ResourcesListResponse
	decode(t, body, &list)
	seeded := len(list.Resources)
	if seeded == 0 {
		t.Fatal("Expected the seeded inventory")
	}

	boat := ResourceRequest{
		Name:         "Swift Water Boat",
		Type:         "boat_team",
		Capabilities: []models.ResourceCapability{{Code: "WATER_RESCUE", Level: 2}},
		Capacity:     1,
		Readiness:    0.8,
		SuccessRate:  0.7,
	}
	resp, body = makeRequest(t, s, http.MethodPut, "/api/v1/resources/boat-9", boat)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var created models.Resource
	decode(t, body, &created)
	if created.ID != "boat-9" || created.Status != models.ResourceAvailable {
		t.Errorf("Unexpected resource: %+v", created)
	}

	boat.Status = models.ResourceBusy
	_, body = makeRequest(t, s, http.MethodPut, "/api/v1/resources/boat-9", boat)
	var updated models.Resource
	decode(t, body, &updated)
	if updated.Version != created.Version+1 || updated.Status != models.ResourceBusy {
		t.Errorf("Update should bump the version: %d -> %d (%s)", created.Version, updated.Version, updated.Status)
	}

	_, body = makeRequest(t, s, http.MethodGet, "/api/v1/resources?status=busy", nil)
	decode(t, body, &list)
	found := false
	for _, r := range list.Resources {
		if r.Status != models.ResourceBusy {
			t.Errorf("Filter returned %s resource %s", r.Status, r.ID)
		}
		found = found || r.ID == "boat-9"
	}
	if !found {
		t.Error("Expected boat-9 among busy resources")
	}

	boat.Readiness = 1.5
	resp, _ = makeRequest(t, s, http.MethodPut, "/api/v1/resources/boat-9", boat)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for readiness 1.5, got %d", resp.StatusCode)
	}

	resp, _ = makeRequest(t, s, http.MethodGet, "/api/v1/resources/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestPlanStatus(t *testing.T) {
	tests := []struct {
		res  pipeline.Result
		want int
	}{
		{res: pipeline.Result{Status: pipeline.StatusCompleted}, want: http.StatusOK},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonInvalidContext}, want: http.StatusBadRequest},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonCanceled}, want: http.StatusConflict},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonReservationConflict}, want: http.StatusConflict},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonInfeasible}, want: http.StatusUnprocessableEntity},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonCycleDetected}, want: http.StatusUnprocessableEntity},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonInventoryUnavailable}, want: http.StatusServiceUnavailable},
		{res: pipeline.Result{Status: pipeline.StatusFailed, Reason: pipeline.ReasonConfigurationError}, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.res.Reason), func(t *testing.T) {
			if got := planStatus(&tt.res); got != tt.want {
				t.Errorf("planStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPutReservedResource(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.inventory.Reserve(ctx, inventory.Reservation{RunID: "run-held", ResourceIDs: []string{"usar-1"}}); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	req := ResourceRequest{
		Name:         "USAR Team Renamed",
		Type:         "usar_team",
		Capabilities: []models.ResourceCapability{{Code: "STRUCTURAL_RESCUE", Level: 3}},
		Capacity:     1,
		Readiness:    0.9,
		SuccessRate:  0.8,
	}
	resp, body := makeRequest(t, s, http.MethodPut, "/api/v1/resources/usar-1", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var got models.Resource
	decode(t, body, &got)
	if got.Status != models.ResourceDispatched || got.ReservedBy != "run-held" || got.Name != req.Name {
		t.Errorf("Edit without status should keep the reservation: %+v", got)
	}

	req.Status = models.ResourceAvailable
	resp, body = makeRequest(t, s, http.MethodPut, "/api/v1/resources/usar-1", req)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d: %s", resp.StatusCode, body)
	}
	r, err := s.inventory.Get(ctx, "usar-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if r.Status != models.ResourceDispatched || r.ReservedBy != "run-held" {
		t.Errorf("Rejected update changed the resource: %+v", r)
	}
}
