package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestQuery_SkipsEmptyFilters(t *testing.T) {
	q := NewQuery("message_groups g", "g.signature")
	q.Eq("g.server_id", "srv")
	q.Eq("g.aspect", "")
	q.Contains("g.canonical_path", "")

	want := "SELECT COUNT(*) FROM message_groups g WHERE 1=1 AND g.server_id = $1"
	if got := q.CountSQL(); got != want {
		t.Errorf("CountSQL() = %q, want %q", got, want)
	}
	if len(q.CountArgs()) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(q.CountArgs()))
	}
}

func TestQuery_DataSQLAndArgs(t *testing.T) {
	q := NewQuery("validation_messages", "signature, text")
	q.Eq("server_id", "srv")
	q.Contains("canonical_path", "Patient.name")
	q.Add("validated_at >= $3", "2026-01-01")
	q.OrderBy("validated_at DESC")

	want := "SELECT signature, text FROM validation_messages WHERE 1=1 AND server_id = $1 AND canonical_path ILIKE $2 AND validated_at >= $3 ORDER BY validated_at DESC LIMIT $4 OFFSET $5"
	if got := q.DataSQL(); got != want {
		t.Errorf("DataSQL() =\n%q\nwant\n%q", got, want)
	}

	args := q.DataArgs(20, 40)
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(args))
	}
	if args[1] != "%Patient.name%" {
		t.Errorf("expected wrapped ILIKE pattern, got %v", args[1])
	}
	if args[3] != 20 || args[4] != 40 {
		t.Errorf("expected limit/offset 20/40, got %v/%v", args[3], args[4])
	}
	if q.Idx() != 4 {
		t.Errorf("expected next index 4, got %d", q.Idx())
	}
}

func TestExecBatch_EmptyBatchIsNoop(t *testing.T) {
	// A nil Querier would panic if ExecBatch tried to send.
	if err := ExecBatch(context.Background(), nil, &pgx.Batch{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
