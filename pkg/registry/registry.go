// Package registry implements the Schema Registry: persistence,
// versioning, and compatibility checks for AgentType schema records.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/agentcore/pkg/schema"
	"github.com/codeready-toolchain/agentcore/pkg/validator"
)

// AgentType is the persisted record for one version of an agent schema.
type AgentType struct {
	ID           uuid.UUID
	TypeName     string
	Version      string
	SchemaHash   string
	Status       schema.AgentTypeStatus
	Schema       schema.Schema
	CreatedAt    time.Time
	CreatedBy    string
	DeprecatedAt *time.Time
	DeletedAt    *time.Time
}

// ListFilter narrows List results. Zero values are "don't filter".
type ListFilter struct {
	Status        schema.AgentTypeStatus
	Category      string
	NameSubstring string
}

// DeleteMode controls how Delete tears down an agent type.
type DeleteMode string

const (
	DeleteSoft  DeleteMode = "soft"
	DeleteHard  DeleteMode = "hard"
	DeletePurge DeleteMode = "purge"
)

// CleanupReport summarizes the effect of a Delete call.
type CleanupReport struct {
	Mode            DeleteMode
	DroppedTables   []string
	RowCountsBefore map[string]int64
}

// DeletionImpact is the best-effort preview returned by
// PreviewDeletionImpact, summarizing what a hard/purge delete would
// affect before the caller commits to it.
type DeletionImpact struct {
	AgentInstances    int64
	Tasks             int64
	PerTableRowCounts map[string]int64
}

// TableDropper is the subset of the Dynamic Table Migrator (pkg/migrator)
// the registry needs for hard/purge deletes. Declaring it here (rather
// than importing pkg/migrator directly) keeps the registry buildable and
// testable without a migrator dependency.
type TableDropper interface {
	DropForAgent(ctx context.Context, agentTypeID uuid.UUID, confirm bool) ([]string, error)
}

// Registry persists AgentType rows in the agent_types table.
type Registry struct {
	db *sql.DB
}

// New wraps an existing *sql.DB connection pool (e.g. from
// pkg/database.Client.DB()).
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register validates s, checks for a colliding (type_name, version), and
// — for a new version of an existing type_name with an active row —
// refuses the write when the change would be breaking. Otherwise that
// active row is deprecated in the same transaction that inserts the new
// active row, so at most one row per type_name is active.
func (r *Registry) Register(ctx context.Context, s schema.Schema, createdBy string) (*AgentType, error) {
	result := validator.Validate(s)
	if !result.OK {
		issues := make([]string, 0, len(result.Errors))
		for _, issue := range result.Errors {
			issues = append(issues, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
		}
		return nil, &ValidationError{Issues: issues}
	}

	hash, err := schemaHash(s)
	if err != nil {
		return nil, fmt.Errorf("hash schema: %w", err)
	}

	typeName := s.Metadata.Name
	version := s.Metadata.Version

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM agent_types WHERE type_name = $1 AND version = $2)`,
		typeName, version,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check existing version: %w", err)
	}
	if exists {
		return nil, ErrAlreadyExists
	}

	active, err := r.activeRow(ctx, typeName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("look up active version: %w", err)
	}
	if active != nil {
		report := CheckCompatibility(active.Schema, s)
		if len(report.Breaking) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrBreakingChange, strings.Join(report.Breaking, "; "))
		}
	}

	id := uuid.New()
	schemaJSON, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if active != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE agent_types SET status = $1, deprecated_at = $2 WHERE id = $3`, schema.StatusDeprecated, now, active.ID); err != nil {
			return nil, fmt.Errorf("deprecate previous active version: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_types (id, type_name, version, schema_hash, status, schema_json, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, typeName, version, hash, schema.StatusActive, schemaJSON, now, createdBy,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent type: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit registration: %w", err)
	}

	return &AgentType{
		ID:         id,
		TypeName:   typeName,
		Version:    version,
		SchemaHash: hash,
		Status:     schema.StatusActive,
		Schema:     s,
		CreatedAt:  now,
		CreatedBy:  createdBy,
	}, nil
}

// Get returns an exact (type_name, version) match when version is
// non-empty, otherwise the highest-semver active row for type_name.
func (r *Registry) Get(ctx context.Context, typeName, version string) (*AgentType, error) {
	if version != "" {
		row := r.db.QueryRowContext(ctx,
			`SELECT id, type_name, version, schema_hash, status, schema_json, created_at, created_by, deprecated_at, deleted_at
			 FROM agent_types WHERE type_name = $1 AND version = $2`,
			typeName, version,
		)
		return scanAgentType(row)
	}
	return r.activeRow(ctx, typeName)
}

// activeRow returns the highest-semver row with status=active for
// type_name.
func (r *Registry) activeRow(ctx context.Context, typeName string) (*AgentType, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type_name, version, schema_hash, status, schema_json, created_at, created_by, deprecated_at, deleted_at
		 FROM agent_types WHERE type_name = $1 AND status = $2`,
		typeName, schema.StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("query active rows: %w", err)
	}
	defer rows.Close()

	var candidates []*AgentType
	for rows.Next() {
		at, err := scanAgentTypeRows(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, at)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return compareSemver(candidates[i].Version, candidates[j].Version) > 0
	})
	return candidates[0], nil
}

// List returns rows matching filter, newest created_at first.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*AgentType, error) {
	query := `SELECT id, type_name, version, schema_hash, status, schema_json, created_at, created_by, deprecated_at, deleted_at
		FROM agent_types WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.NameSubstring != "" {
		query += fmt.Sprintf(" AND type_name ILIKE $%d", argN)
		args = append(args, "%"+filter.NameSubstring+"%")
		argN++
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent types: %w", err)
	}
	defer rows.Close()

	var out []*AgentType
	for rows.Next() {
		at, err := scanAgentTypeRows(rows)
		if err != nil {
			return nil, err
		}
		if filter.Category != "" && at.Schema.Metadata.Category != filter.Category {
			continue
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// Deprecate flips status to deprecated and records the timestamp. If
// version is empty, the currently active version is targeted.
func (r *Registry) Deprecate(ctx context.Context, typeName, version string) error {
	at, err := r.Get(ctx, typeName, version)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_types SET status = $1, deprecated_at = $2 WHERE id = $3`,
		schema.StatusDeprecated, now, at.ID,
	)
	if err != nil {
		return fmt.Errorf("deprecate agent type: %w", err)
	}
	return requireOneRowAffected(res)
}

// Delete tears down an agent type according to mode. soft only marks the
// row deleted; hard drops dynamic tables via dropper; purge additionally
// removes the registry row.
func (r *Registry) Delete(ctx context.Context, typeName string, mode DeleteMode, dropper TableDropper) (*CleanupReport, error) {
	at, err := r.Get(ctx, typeName, "")
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{Mode: mode}

	switch mode {
	case DeleteSoft:
		now := time.Now().UTC()
		_, err := r.db.ExecContext(ctx,
			`UPDATE agent_types SET status = $1, deleted_at = $2 WHERE id = $3`,
			schema.StatusDeleted, now, at.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("soft delete: %w", err)
		}
	case DeleteHard, DeletePurge:
		if dropper == nil {
			return nil, fmt.Errorf("hard/purge delete requires a table dropper")
		}
		dropped, err := dropper.DropForAgent(ctx, at.ID, true)
		if err != nil {
			return nil, fmt.Errorf("drop dynamic tables: %w", err)
		}
		report.DroppedTables = dropped

		now := time.Now().UTC()
		if mode == DeleteHard {
			_, err := r.db.ExecContext(ctx,
				`UPDATE agent_types SET status = $1, deleted_at = $2 WHERE id = $3`,
				schema.StatusDeleted, now, at.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("mark deleted: %w", err)
			}
		} else {
			_, err := r.db.ExecContext(ctx, `DELETE FROM agent_types WHERE id = $1`, at.ID)
			if err != nil {
				return nil, fmt.Errorf("purge registry row: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown delete mode %q", mode)
	}

	return report, nil
}

// PreviewDeletionImpact reports, best-effort, what a hard/purge delete of
// typeName would affect: the dynamic tables currently managed for it and
// their row counts, plus distinct agent/task counts aggregated across
// those tables.
func (r *Registry) PreviewDeletionImpact(ctx context.Context, typeName string) (*DeletionImpact, error) {
	at, err := r.Get(ctx, typeName, "")
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT table_name FROM managed_tables WHERE agent_type_id = $1`, at.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list managed tables: %w", err)
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tableNames = append(tableNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	impact := &DeletionImpact{PerTableRowCounts: make(map[string]int64, len(tableNames))}
	agentSet := make(map[string]struct{})
	taskSet := make(map[string]struct{})

	for _, table := range tableNames {
		if err := identifierSafeForInterpolation(table); err != nil {
			return nil, fmt.Errorf("unsafe managed table name %q: %w", table, err)
		}

		var count int64
		if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count rows in %s: %w", table, err)
		}
		impact.PerTableRowCounts[table] = count

		idRows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT agent_id, task_id FROM %s`, table))
		if err != nil {
			return nil, fmt.Errorf("scan distinct ids in %s: %w", table, err)
		}
		for idRows.Next() {
			var agentID, taskID sql.NullString
			if err := idRows.Scan(&agentID, &taskID); err != nil {
				idRows.Close()
				return nil, err
			}
			if agentID.Valid {
				agentSet[agentID.String] = struct{}{}
			}
			if taskID.Valid {
				taskSet[taskID.String] = struct{}{}
			}
		}
		if err := idRows.Err(); err != nil {
			idRows.Close()
			return nil, err
		}
		idRows.Close()
	}

	impact.AgentInstances = int64(len(agentSet))
	impact.Tasks = int64(len(taskSet))
	return impact, nil
}

func requireOneRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func schemaHash(s schema.Schema) (string, error) {
	return schemaHashFn(s)
}

// schemaHashFn is overridable in tests; production wiring points it at
// pkg/schema's canonical hash.
var schemaHashFn = func(s schema.Schema) (string, error) {
	return canonicalHash(s)
}

func scanAgentType(row *sql.Row) (*AgentType, error) {
	at := &AgentType{}
	var schemaJSON []byte
	err := row.Scan(&at.ID, &at.TypeName, &at.Version, &at.SchemaHash, &at.Status, &schemaJSON,
		&at.CreatedAt, &at.CreatedBy, &at.DeprecatedAt, &at.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent type: %w", err)
	}
	if err := json.Unmarshal(schemaJSON, &at.Schema); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return at, nil
}

func scanAgentTypeRows(rows *sql.Rows) (*AgentType, error) {
	at := &AgentType{}
	var schemaJSON []byte
	if err := rows.Scan(&at.ID, &at.TypeName, &at.Version, &at.SchemaHash, &at.Status, &schemaJSON,
		&at.CreatedAt, &at.CreatedBy, &at.DeprecatedAt, &at.DeletedAt); err != nil {
		return nil, fmt.Errorf("scan agent type: %w", err)
	}
	if err := json.Unmarshal(schemaJSON, &at.Schema); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return at, nil
}

// identifierSafeForInterpolation guards the one place this package must
// build a query string dynamically (managed table names can't be bind
// parameters). Table names are only ever ones we created ourselves via
// pkg/migrator, which already enforces internal/identifiers.Safe, so
// this is a defense-in-depth re-check, not the primary guard.
func identifierSafeForInterpolation(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("disallowed character %q", r)
		}
	}
	return nil
}

// compareSemver compares two dotted version strings numerically
// component-by-component, treating missing/non-numeric components as 0.
// It is intentionally lenient: the registry stores versions as opaque
// strings and only needs a total order for "pick the newest".
func compareSemver(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			return an - bn
		}
	}
	return 0
}
