package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/config"
	"github.com/ehr/validator/internal/domain/aspects"
	"github.com/ehr/validator/internal/domain/queue"
	"github.com/ehr/validator/internal/domain/validation"
)

const sampleBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"fullUrl": "urn:uuid:1", "resource": {"resourceType": "Patient", "id": "p1"}},
    {"fullUrl": "urn:uuid:2", "resource": {"resourceType": "Observation", "subject": {"reference": "urn:uuid:1"}}},
    {"fullUrl": "urn:uuid:3"}
  ]
}`

// ---------------------------------------------------------------------------
// input parsing
// ---------------------------------------------------------------------------

func TestParseResources_Bundle(t *testing.T) {
	got, err := parseResources([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("parseResources failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected bundle plus 2 entries, got %d", len(got))
	}
	if got[0]["id"] != "bundle" {
		t.Errorf("expected bundle id to be assigned, got %v", got[0]["id"])
	}
	if got[2]["id"] != "entry-1" {
		t.Errorf("expected entry without id to get entry-1, got %v", got[2]["id"])
	}
}

func TestParseResources_SingleResource(t *testing.T) {
	got, err := parseResources([]byte(`{"resourceType":"Patient","id":"x"}`))
	if err != nil {
		t.Fatalf("parseResources failed: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "x" {
		t.Errorf("unexpected result %v", got)
	}
}

func TestParseResources_Errors(t *testing.T) {
	for _, in := range []string{`not json`, `{"id":"x"}`} {
		if _, err := parseResources([]byte(in)); err == nil {
			t.Errorf("parseResources(%q): expected error", in)
		}
	}
}

func TestReadResourceFile_NDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.ndjson")
	body := "{\"resourceType\":\"Patient\",\"id\":\"a\"}\n{\"resourceType\":\"Patient\",\"id\":\"b\"}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readResourceFile(path)
	if err != nil {
		t.Fatalf("readResourceFile failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 resources, got %d", len(got))
	}
}

func TestLoadResources_RejectsDuplicates(t *testing.T) {
	store := aspects.NewMemoryResourceStore()
	res := []map[string]interface{}{
		{"resourceType": "Patient", "id": "a"},
		{"resourceType": "Patient", "id": "a"},
	}
	if _, err := loadResources(context.Background(), store, "cli", res); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestLoadResources_Keys(t *testing.T) {
	store := aspects.NewMemoryResourceStore()
	res := []map[string]interface{}{
		{"resourceType": "Patient", "id": "a"},
		{"resourceType": "Observation", "id": "o"},
	}
	keys, err := loadResources(context.Background(), store, "cli", res)
	if err != nil {
		t.Fatalf("loadResources failed: %v", err)
	}
	want := validation.ResourceKey{ServerID: "cli", ResourceType: "Observation", FhirID: "o"}
	if len(keys) != 2 || keys[1] != want {
		t.Errorf("unexpected keys %v", keys)
	}
	if ok, _ := store.Exists(context.Background(), "Observation", "o"); !ok {
		t.Error("expected resource to be stored")
	}
}

// ---------------------------------------------------------------------------
// report output
// ---------------------------------------------------------------------------

func TestWriteTextReport(t *testing.T) {
	report := &queue.BatchReport{
		Total:     2,
		Succeeded: 1,
		Failed:    1,
		Items: []queue.ItemResult{
			{
				Key:    validation.ResourceKey{ServerID: "cli", ResourceType: "Patient", FhirID: "a"},
				Status: queue.ItemSucceeded,
				Result: &validation.ResourceResult{Score: 65, ErrorCount: 2, WarningCount: 1},
			},
			{
				Key:    validation.ResourceKey{ServerID: "cli", ResourceType: "Patient", FhirID: "b"},
				Status: queue.ItemFailed,
				Error:  "fetch failed",
			},
		},
	}
	groups := []validation.MessageGroup{{TotalResources: 3, Severity: validation.SeverityError, Aspect: validation.AspectStructural, Code: "required"}}

	var buf bytes.Buffer
	writeTextReport(&buf, report, groups)
	out := buf.String()
	for _, want := range []string{"Patient/a", "65", "fetch failed", "2 resource(s): 1 validated, 1 failed", "Top message groups", "required"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected report to contain %q, got:\n%s", want, out)
		}
	}
}

func TestWriteNDJSONReport(t *testing.T) {
	report := &queue.BatchReport{Items: []queue.ItemResult{{Status: queue.ItemSucceeded}, {Status: queue.ItemCancelled}}}
	var buf bytes.Buffer
	if err := writeNDJSONReport(&buf, report); err != nil {
		t.Fatalf("writeNDJSONReport failed: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Errorf("expected 2 lines, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// pipeline wiring
// ---------------------------------------------------------------------------

func TestPipeline_ValidatesBundleOffline(t *testing.T) {
	cfg := &config.Config{
		HealthCheckIntervalSec:  30,
		CircuitFailureThreshold: 5,
		CircuitOpenTimeoutSec:   30,
		DegradeAfterFailures:    2,
		QueueConcurrency:        2,
		ResourceTimeoutMs:       5000,
	}
	resources, err := parseResources([]byte(sampleBundle))
	if err != nil {
		t.Fatal(err)
	}
	store := aspects.NewMemoryResourceStore()
	keys, err := loadResources(context.Background(), store, "cli", resources)
	if err != nil {
		t.Fatal(err)
	}

	results := validation.NewMemoryStore()
	p, err := buildPipeline(cfg, zerolog.Nop(), pipelineOpts{results: results, resources: store})
	if err != nil {
		t.Fatalf("buildPipeline failed: %v", err)
	}
	report := p.proc.RunBatch(context.Background(), keys, cfg.Queue())
	if report.State != queue.StateCompleted || report.Succeeded != len(keys) {
		t.Fatalf("expected all %d items validated, got %+v", len(keys), report)
	}
	for _, it := range report.Items {
		if it.Result == nil {
			t.Fatalf("missing result for %s", it.Key)
		}
		if it.Result.Score < 0 || it.Result.Score > 100 {
			t.Errorf("%s: score %d out of range", it.Key, it.Result.Score)
		}
	}
}
