package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/validator/internal/domain/aspects"
	"github.com/ehr/validator/internal/domain/queue"
	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/fhir"
	"github.com/ehr/validator/pkg/pagination"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a Bundle or NDJSON file and print a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			server, _ := cmd.Flags().GetString("server")
			top, _ := cmd.Flags().GetInt("top")
			format, _ := cmd.Flags().GetString("format")
			if format != "text" && format != "ndjson" {
				return fmt.Errorf("--format must be text or ndjson, got %q", format)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if s, _ := cmd.Flags().GetString("settings"); s != "" {
				cfg.SettingsFile = s
			}
			if c, _ := cmd.Flags().GetInt("concurrency"); c > 0 {
				cfg.QueueConcurrency = c
			}
			logger := newLogger(cfg).Level(levelFor(cmd))

			resources, err := readResourceFile(file)
			if err != nil {
				return err
			}
			store := aspects.NewMemoryResourceStore()
			keys, err := loadResources(cmd.Context(), store, server, resources)
			if err != nil {
				return err
			}

			results := validation.NewMemoryStore()
			p, err := buildPipeline(cfg, logger, pipelineOpts{results: results, resources: store})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go p.monitor.Start(ctx)

			report := p.proc.RunBatch(ctx, keys, cfg.Queue())

			groups, _, err := p.groups.ListGroups(ctx, validation.GroupFilter{ServerID: server}, pagination.Params{Limit: top})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == "ndjson" {
				return writeNDJSONReport(out, report)
			}
			writeTextReport(out, report, groups)
			if report.Failed > 0 {
				return fmt.Errorf("%d resource(s) could not be validated", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Bundle JSON or NDJSON file to validate")
	cmd.Flags().String("server", "cli", "Server id used for settings and grouping")
	cmd.Flags().String("settings", "", "Settings YAML file (defaults to SETTINGS_FILE)")
	cmd.Flags().Int("concurrency", 0, "Worker count (defaults to QUEUE_CONCURRENCY)")
	cmd.Flags().Int("top", 10, "Number of message groups to print")
	cmd.Flags().String("format", "text", "Output format: text or ndjson")
	cmd.Flags().BoolP("verbose", "v", false, "Log pipeline activity")
	return cmd
}

// readResourceFile decodes a Bundle, a single resource or NDJSON. Files
// ending in .ndjson or .jsonl are always read line by line.
func readResourceFile(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return fhir.ReadNDJSON(bytes.NewReader(data))
	}
	return parseResources(data)
}

// parseResources expands a Bundle into itself plus its entry resources.
// Entry resources without an id are given one derived from their position.
func parseResources(data []byte) ([]map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	rt, id := fhir.ResourceTypeAndID(doc)
	if rt == "" {
		return nil, fmt.Errorf("decode resource: missing resourceType")
	}
	if rt != "Bundle" {
		return []map[string]interface{}{doc}, nil
	}

	b, err := fhir.BundleFromMap(doc)
	if err != nil {
		return nil, err
	}
	if id == "" {
		doc["id"] = "bundle"
	}
	out := []map[string]interface{}{doc}
	for i := range b.Entry {
		res := b.Entry[i].ResourceMap()
		if res == nil {
			continue
		}
		if ert, eid := fhir.ResourceTypeAndID(res); ert != "" && eid == "" {
			res["id"] = fmt.Sprintf("entry-%d", i)
		}
		out = append(out, res)
	}
	return out, nil
}

func loadResources(ctx context.Context, store *aspects.MemoryResourceStore, server string, resources []map[string]interface{}) ([]validation.ResourceKey, error) {
	keys := make([]validation.ResourceKey, 0, len(resources))
	seen := make(map[validation.ResourceKey]bool, len(resources))
	for i, res := range resources {
		rt, id := fhir.ResourceTypeAndID(res)
		if rt == "" || id == "" {
			return nil, fmt.Errorf("resource %d: resourceType and id are required", i+1)
		}
		key := validation.ResourceKey{ServerID: server, ResourceType: rt, FhirID: id}
		if seen[key] {
			return nil, fmt.Errorf("resource %d: duplicate %s/%s", i+1, rt, id)
		}
		seen[key] = true
		if err := store.Upsert(ctx, res); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func writeTextReport(w io.Writer, report *queue.BatchReport, groups []validation.MessageGroup) {
	fmt.Fprintf(w, "%-40s %-10s %6s %6s %6s %6s\n", "RESOURCE", "STATUS", "SCORE", "ERR", "WARN", "INFO")
	for _, it := range report.Items {
		name := it.Key.ResourceType + "/" + it.Key.FhirID
		if it.Result == nil {
			fmt.Fprintf(w, "%-40s %-10s %6s %6s %6s %6s  %s\n", name, it.Status, "-", "-", "-", "-", it.Error)
			continue
		}
		r := it.Result
		fmt.Fprintf(w, "%-40s %-10s %6d %6d %6d %6d\n", name, it.Status, r.Score, r.ErrorCount, r.WarningCount, r.InformationCount)
	}
	fmt.Fprintf(w, "\n%d resource(s): %d validated, %d failed, %d cancelled in %dms\n",
		report.Total, report.Succeeded, report.Failed, report.Cancelled, report.DurationMs)

	if len(groups) == 0 {
		return
	}
	fmt.Fprintf(w, "\nTop message groups\n")
	for _, g := range groups {
		fmt.Fprintf(w, "%4d  %-12s %-12s %-24s %s\n", g.TotalResources, g.Severity, g.Aspect, g.Code, g.SampleText)
	}
}

func writeNDJSONReport(w io.Writer, report *queue.BatchReport) error {
	nw := fhir.NewNDJSONWriter(w)
	for _, it := range report.Items {
		if err := nw.Write(it); err != nil {
			return err
		}
	}
	return nw.Flush()
}

func levelFor(cmd *cobra.Command) zerolog.Level {
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}
