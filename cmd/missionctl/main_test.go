package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rahul/missionctl/internal/plan"
)

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"account_id=acme", " note = a=b"})
	if err != nil {
		t.Fatalf("parseVars failed: %v", err)
	}
	if got["account_id"] != "acme" || got["note"] != " a=b" {
		t.Errorf("unexpected vars: %#v", got)
	}
	if _, err := parseVars([]string{"novalue"}); err == nil {
		t.Error("expected an error for a pair without '='")
	}
	if _, err := parseVars([]string{"=x"}); err == nil {
		t.Error("expected an error for an empty key")
	}
}

func TestReadPlanFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "plan.json")
	yamlPath := filepath.Join(dir, "plan.yaml")
	os.WriteFile(jsonPath, []byte(`{"original_goal":"audit","steps":[{"connector_name":"crm","action":"audit_account","params":{"account_id":"acme"}}]}`), 0644)
	os.WriteFile(yamlPath, []byte("original_goal: audit\nsteps:\n  - connector_name: crm\n    action: audit_account\n    params:\n      account_id: acme\n"), 0644)

	for _, path := range []string{jsonPath, yamlPath} {
		p, err := readPlanFile(path)
		if err != nil {
			t.Fatalf("readPlanFile(%s) failed: %v", path, err)
		}
		if p.OriginalGoal != "audit" || len(p.Steps) != 1 || p.Steps[0].ConnectorName != "crm" || p.Steps[0].Params["account_id"] != "acme" {
			t.Errorf("%s decoded to %+v", path, p)
		}
	}
	if _, err := readPlanFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestRenderPlan(t *testing.T) {
	p := plan.New("Audit account acme", []plan.StepSpec{
		{ID: "audit", Connector: "crm", Action: "audit_account"},
		{ID: "report", Connector: "discord", Action: "post_message"},
	}, time.Now())
	p.Steps[0].Status = plan.StatusCompleted
	p.Steps[0].Attempts = 1
	p.Steps[1].Status = plan.StatusFailed
	p.Steps[1].Attempts = 3
	p.Steps[1].LastError = "discord: rate limited"
	p.Refresh()

	var buf bytes.Buffer
	renderPlan(&buf, p, []plan.LogEntry{{PlanID: p.ID, Type: plan.LogStepRetry, StepID: "report", Attempt: 2, Timestamp: time.Now()}})
	out := buf.String()
	for _, want := range []string{"FAILED", "audit_account", "discord: rate limited", "step_retry"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("line one\nline two is long", 12); got != "line one ..." {
		t.Errorf("truncate = %q", got)
	}
}
