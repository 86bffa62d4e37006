package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/validator/internal/platform/db"
	"github.com/ehr/validator/pkg/pagination"
)

// PGStore is the Postgres-backed ResultStore. Tables are created by
// migrations/001_validation.sql.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const resultCols = `server_id, resource_type, fhir_id, aspect, status, skip_reason, is_valid,
	error_count, warning_count, information_count, score, settings_snapshot_hash,
	duration_ms, validated_at, issues`

const messageCols = `server_id, resource_type, fhir_id, aspect, severity, code, canonical_path,
	text, rule_id, signature, settings_snapshot_hash, validated_at`

const groupCols = `g.server_id, g.signature, g.aspect, g.severity, g.code, g.canonical_path,
	g.sample_text, g.total_resources, g.first_seen_at, g.last_seen_at`

func (s *PGStore) SaveResults(ctx context.Context, results []AspectResult) error {
	b := &pgx.Batch{}
	for _, r := range results {
		issues, err := json.Marshal(r.Issues)
		if err != nil {
			return fmt.Errorf("encode issues: %w", err)
		}
		b.Queue(`INSERT INTO validation_results (`+resultCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			r.ServerID, r.ResourceType, r.FhirID, string(r.Aspect), string(r.Status), r.SkipReason, r.IsValid,
			r.ErrorCount, r.WarningCount, r.InformationCount, r.Score, r.SettingsSnapshotHash,
			r.DurationMs, r.ValidatedAt, issues,
		)
	}
	if err := db.ExecBatch(ctx, s.pool, b); err != nil {
		return fmt.Errorf("save validation results: %w", err)
	}
	return nil
}

func (s *PGStore) SaveMessages(ctx context.Context, msgs []ValidationMessage) error {
	b := &pgx.Batch{}
	for _, m := range msgs {
		b.Queue(`INSERT INTO validation_messages (`+messageCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			m.ServerID, m.ResourceType, m.FhirID, string(m.Aspect), string(m.Severity), m.Code, m.CanonicalPath,
			m.Text, m.RuleID, m.Signature, m.SettingsSnapshotHash, m.ValidatedAt,
		)
	}
	if err := db.ExecBatch(ctx, s.pool, b); err != nil {
		return fmt.Errorf("save validation messages: %w", err)
	}
	return nil
}

func (s *PGStore) LatestResults(ctx context.Context, key ResourceKey, snapshotHash string) ([]AspectResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (aspect) `+resultCols+`
		FROM validation_results
		WHERE server_id = $1 AND resource_type = $2 AND fhir_id = $3 AND settings_snapshot_hash = $4
		ORDER BY aspect, validated_at DESC`,
		key.ServerID, key.ResourceType, key.FhirID, snapshotHash)
	if err != nil {
		return nil, fmt.Errorf("query latest results: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func (s *PGStore) ListResults(ctx context.Context, key ResourceKey, from, to time.Time) ([]AspectResult, error) {
	q := db.NewQuery("validation_results", resultCols)
	q.Eq("server_id", key.ServerID)
	q.Eq("resource_type", key.ResourceType)
	q.Eq("fhir_id", key.FhirID)
	if !from.IsZero() {
		q.Add(fmt.Sprintf("validated_at >= $%d", q.Idx()), from)
	}
	if !to.IsZero() {
		q.Add(fmt.Sprintf("validated_at <= $%d", q.Idx()), to)
	}
	q.OrderBy("validated_at ASC")

	rows, err := s.pool.Query(ctx, q.DataSQL(), q.DataArgs(10000, 0)...)
	if err != nil {
		return nil, fmt.Errorf("query result history: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func (s *PGStore) InvalidateSnapshot(ctx context.Context, serverID, keepHash string) (int, error) {
	var removed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM validation_results WHERE server_id = $1 AND settings_snapshot_hash <> $2`, serverID, keepHash)
		if err != nil {
			return err
		}
		removed += tag.RowsAffected()
		tag, err = tx.Exec(ctx, `DELETE FROM validation_messages WHERE server_id = $1 AND settings_snapshot_hash <> $2`, serverID, keepHash)
		if err != nil {
			return err
		}
		removed += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("invalidate snapshot for %s: %w", serverID, err)
	}
	return int(removed), nil
}

func (s *PGStore) MessagesForSignature(ctx context.Context, serverID, signature string, p pagination.Params) ([]ValidationMessage, int, error) {
	q := db.NewQuery("validation_messages", messageCols)
	q.Eq("server_id", serverID)
	q.Eq("signature", signature)
	q.OrderBy("validated_at DESC")

	var total int
	if err := s.pool.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	rows, err := s.pool.Query(ctx, q.DataSQL(), q.DataArgs(p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []ValidationMessage
	for rows.Next() {
		var m ValidationMessage
		var aspect, severity string
		if err := rows.Scan(&m.ServerID, &m.ResourceType, &m.FhirID, &aspect, &severity, &m.Code, &m.CanonicalPath,
			&m.Text, &m.RuleID, &m.Signature, &m.SettingsSnapshotHash, &m.ValidatedAt); err != nil {
			return nil, 0, err
		}
		m.Aspect, m.Severity = Aspect(aspect), Severity(severity)
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// UpsertGroupMember runs in one transaction. The group row is locked by the
// first statement, which serializes concurrent upserts for the same signature.
func (s *PGStore) UpsertGroupMember(ctx context.Context, u GroupUpsert) (bool, error) {
	var inserted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO message_groups (server_id, signature, aspect, severity, code, canonical_path,
				sample_text, total_resources, first_seen_at, last_seen_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)
			ON CONFLICT (server_id, signature) DO UPDATE
				SET last_seen_at = GREATEST(message_groups.last_seen_at, EXCLUDED.last_seen_at)`,
			u.ServerID, u.Issue.Signature, string(u.Issue.Aspect), string(u.Issue.Severity), u.Issue.Code,
			CanonicalizePath(u.Issue.CanonicalPath), u.Issue.Message, u.SeenAt)
		if err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO message_group_members (server_id, signature, resource_type, fhir_id, first_seen_at, last_seen_at)
			VALUES ($1,$2,$3,$4,$5,$5)
			ON CONFLICT (server_id, signature, resource_type, fhir_id) DO UPDATE
				SET last_seen_at = GREATEST(message_group_members.last_seen_at, EXCLUDED.last_seen_at)
			RETURNING (xmax = 0)`,
			u.ServerID, u.Issue.Signature, u.ResourceType, u.FhirID, u.SeenAt).Scan(&inserted)
		if err != nil {
			return fmt.Errorf("upsert group member: %w", err)
		}
		if !inserted {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE message_groups SET total_resources = total_resources + 1
			WHERE server_id = $1 AND signature = $2`, u.ServerID, u.Issue.Signature)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *PGStore) GetGroup(ctx context.Context, serverID, signature string) (*MessageGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+groupCols+` FROM message_groups g
		WHERE g.server_id = $1 AND g.signature = $2`, serverID, signature)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// groupQuery translates f into a Query over message_groups.
func groupQuery(f GroupFilter) *db.Query {
	q := db.NewQuery("message_groups g", groupCols)
	q.Eq("g.server_id", f.ServerID)
	q.Eq("g.aspect", string(f.Aspect))
	q.Eq("g.severity", string(f.Severity))
	q.Eq("g.code", f.Code)
	q.Contains("g.canonical_path", f.PathContains)
	if f.ResourceType != "" {
		q.Add(fmt.Sprintf(`EXISTS (SELECT 1 FROM message_group_members m
			WHERE m.server_id = g.server_id AND m.signature = g.signature AND m.resource_type = $%d)`, q.Idx()), f.ResourceType)
	}
	q.OrderBy("g.total_resources DESC, g.last_seen_at DESC, g.signature ASC")
	return q
}

func (s *PGStore) ListGroups(ctx context.Context, f GroupFilter, p pagination.Params) ([]MessageGroup, int, error) {
	q := groupQuery(f)
	var total int
	if err := s.pool.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}
	rows, err := s.pool.Query(ctx, q.DataSQL(), q.DataArgs(p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []MessageGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *g)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ListMembers(ctx context.Context, serverID, signature string, p pagination.Params) ([]GroupMember, int, error) {
	q := db.NewQuery("message_group_members", "resource_type, fhir_id, first_seen_at, last_seen_at")
	q.Eq("server_id", serverID)
	q.Eq("signature", signature)
	q.OrderBy("last_seen_at DESC, resource_type, fhir_id")

	var total int
	if err := s.pool.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count group members: %w", err)
	}
	rows, err := s.pool.Query(ctx, q.DataSQL(), q.DataArgs(p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var out []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.ResourceType, &m.FhirID, &m.FirstSeenAt, &m.LastSeenAt); err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ClearServer(ctx context.Context, serverID string) error {
	b := &pgx.Batch{}
	for _, table := range []string{"message_group_members", "message_groups", "validation_messages", "validation_results"} {
		b.Queue(`DELETE FROM `+table+` WHERE server_id = $1`, serverID)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := db.ExecBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("clear server %s: %w", serverID, err)
		}
		return nil
	})
}

func scanResults(rows pgx.Rows) ([]AspectResult, error) {
	var out []AspectResult
	for rows.Next() {
		var r AspectResult
		var aspect, status string
		var issues []byte
		err := rows.Scan(&r.ServerID, &r.ResourceType, &r.FhirID, &aspect, &status, &r.SkipReason, &r.IsValid,
			&r.ErrorCount, &r.WarningCount, &r.InformationCount, &r.Score, &r.SettingsSnapshotHash,
			&r.DurationMs, &r.ValidatedAt, &issues)
		if err != nil {
			return nil, err
		}
		r.Aspect, r.Status = Aspect(aspect), AspectStatus(status)
		if len(issues) > 0 {
			if err := json.Unmarshal(issues, &r.Issues); err != nil {
				return nil, fmt.Errorf("decode issues: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanGroup(row pgx.Row) (*MessageGroup, error) {
	var g MessageGroup
	var aspect, severity string
	err := row.Scan(&g.ServerID, &g.Signature, &aspect, &severity, &g.Code, &g.CanonicalPath,
		&g.SampleText, &g.TotalResources, &g.FirstSeenAt, &g.LastSeenAt)
	if err != nil {
		return nil, err
	}
	g.Aspect, g.Severity = Aspect(aspect), Severity(severity)
	return &g, nil
}
