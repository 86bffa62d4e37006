package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxNDJSONLine bounds a single resource line.
const maxNDJSONLine = 16 << 20

// NDJSONWriter writes one JSON value per line.
type NDJSONWriter struct {
	w *bufio.Writer
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

func (n *NDJSONWriter) Write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ndjson line: %w", err)
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.WriteByte('\n')
}

func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// ReadNDJSON decodes one resource per non-blank line. Errors name the
// 1-based line number.
func ReadNDJSON(r io.Reader) ([]map[string]interface{}, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxNDJSONLine)

	var out []map[string]interface{}
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var res map[string]interface{}
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("ndjson line %d: %w", line, err)
		}
		if rt, _ := res["resourceType"].(string); rt == "" {
			return nil, fmt.Errorf("ndjson line %d: missing resourceType", line)
		}
		out = append(out, res)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ndjson: %w", err)
	}
	return out, nil
}
