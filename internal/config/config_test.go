package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if len(cfg.Agents) != 5 {
		t.Fatalf("expected 5 default agents, got %d", len(cfg.Agents))
	}
	if cfg.Market.EvaluatorFeeBps != 500 || cfg.Evaluation.PassThreshold != 0.95 {
		t.Fatalf("unexpected defaults: fee %d threshold %v", cfg.Market.EvaluatorFeeBps, cfg.Evaluation.PassThreshold)
	}
	if !cfg.RefundsOnFail() {
		t.Fatalf("refund on fail should default to true")
	}
	if cfg.JobTTLDuration() != 0 {
		t.Fatalf("jobs should not expire by default")
	}
	var evaluators int
	for _, a := range cfg.Agents {
		if a.Evaluator {
			evaluators++
		}
	}
	if evaluators != 1 {
		t.Fatalf("expected one evaluator, got %d", evaluators)
	}
}

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("market:\n  refund_on_fail: false\n  job_ttl: 1h\nagents:\n  - name: Solo\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Market.Name != "agentmarket" || cfg.Market.EvaluatorFeeBps != 500 {
		t.Fatalf("defaults not applied: %+v", cfg.Market)
	}
	if cfg.RefundsOnFail() {
		t.Fatalf("refund_on_fail false ignored")
	}
	if cfg.JobTTLDuration() != time.Hour {
		t.Fatalf("job ttl = %v", cfg.JobTTLDuration())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"market:\n  evaluator_fee_bps: 20000\n":                   "evaluator_fee_bps",
		"market:\n  job_ttl: soon\n":                              "job_ttl",
		"evaluation:\n  oracle:\n    kind: http\n":                "oracle.url",
		"evaluation:\n  oracle:\n    kind: crystal-ball\n":        "oracle.kind",
		"posters:\n  artifacts:\n    backend: minio\n":            "minio_endpoint",
		"agents:\n  - name: Lemo\n  - name: lemo\n":               "duplicate agent",
		"agents:\n  - name: Lemo\n    balance: -1\n":              "negative balance",
		"webhooks:\n  - events: [job.paid]\n":                     "webhooks[0].url",
		"agents:\n  - name: X\n    inventory:\n      - item: A\n": "invalid inventory",
	}
	for doc, want := range cases {
		_, err := FromYAML([]byte(doc))
		if err == nil {
			t.Fatalf("expected error for %q", doc)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Agents) != 5 {
		t.Fatalf("expected default agents")
	}
	if err := os.WriteFile(Path(dir), []byte("market:\n  name: corner-shop\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Market.Name != "corner-shop" || len(cfg.Agents) != 0 {
		t.Fatalf("file not used: %+v", cfg.Market)
	}
}

func TestAgentID(t *testing.T) {
	if got := AgentID(" Permit Desk "); got != "agent-permit-desk" {
		t.Fatalf("AgentID = %s", got)
	}
}
