// Package migrator implements the Dynamic Table Migrator (spec.md
// §4.D): it derives DDL from a schema's data_models section, applies it
// transactionally, and tracks the tables it manages in the CORE's own
// managed_tables registry table.
package migrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/agentcore/internal/identifiers"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

// OperationKind enumerates the DDL operations a plan may contain.
type OperationKind string

const (
	OpCreateTable      OperationKind = "create_table"
	OpDropTable        OperationKind = "drop_table"
	OpAddColumn        OperationKind = "add_column"
	OpDropColumn       OperationKind = "drop_column"
	OpAlterColumnType  OperationKind = "alter_column_type"
	OpAddIndex         OperationKind = "add_index"
	OpDropIndex        OperationKind = "drop_index"
)

// Operation is a single DDL step within a MigrationPlan.
type Operation struct {
	Kind        OperationKind
	ModelName   string
	TableName   string
	ColumnName  string
	IndexName   string
	SQL         string
	Destructive bool
}

// MigrationPlan is the diff between an agent type's currently managed
// tables and a candidate schema's data_models section.
type MigrationPlan struct {
	AgentTypeID uuid.UUID
	SchemaHash  string
	Operations  []Operation
	Warnings    []string

	// models carries the post-migration shape of every model that is
	// created or altered (not dropped), so Apply can persist it into
	// managed_tables.definition without re-deriving it from Operations.
	models map[string]schema.DataModelDef
}

// HasDestructive reports whether applying p would drop data.
func (p *MigrationPlan) HasDestructive() bool {
	for _, op := range p.Operations {
		if op.Destructive {
			return true
		}
	}
	return false
}

// MigrationResult reports what Apply/DropForAgent actually did.
type MigrationResult struct {
	Applied           []Operation
	RolledBack        []Operation
	RollbackPerformed bool
}

// ErrDestructiveNotConfirmed is returned by Apply when the plan contains
// a destructive operation and confirmDestructive is false.
var ErrDestructiveNotConfirmed = fmt.Errorf("migration plan contains a destructive operation and was not confirmed")

// TableStats reports size and activity for one managed table.
type TableStats struct {
	RowCount       int64
	TableSizeBytes int64
	LastAnalyzed   *time.Time
}

// storedModel is the last-applied shape of a managed table, persisted in
// managed_tables.definition so Plan can diff without introspecting
// information_schema.
type storedModel struct {
	TableName string                          `json:"table_name"`
	Fields    map[string]schema.FieldDef      `json:"fields"`
	Indexes   []schema.IndexDef               `json:"indexes,omitempty"`
}

// Migrator owns the DDL lifecycle of dynamically-managed tables.
type Migrator struct {
	db *sql.DB

	mu        sync.Mutex
	planCache map[string]*MigrationPlan
}

// New wraps the shared connection pool.
func New(db *sql.DB) *Migrator {
	return &Migrator{db: db, planCache: make(map[string]*MigrationPlan)}
}

// Plan diffs the agent type's currently managed tables against
// newModels and returns the operations (and warnings for any destructive
// ones) needed to bring the database in line. Repeated calls for the same
// agent type against an unchanged set of models are served from an
// in-memory cache keyed by a hash of agentTypeID and newModels, so
// re-registering an identical schema doesn't re-walk the managed table
// catalog; a successful Apply clears the agent type's cached plans.
func (m *Migrator) Plan(ctx context.Context, agentTypeID uuid.UUID, newModels map[string]schema.DataModelDef) (*MigrationPlan, error) {
	cacheKey, err := modelsHash(agentTypeID, newModels)
	if err == nil {
		m.mu.Lock()
		cached, ok := m.planCache[cacheKey]
		m.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	plan, err := m.plan(ctx, agentTypeID, newModels)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		m.mu.Lock()
		m.planCache[cacheKey] = plan
		m.mu.Unlock()
	}
	return plan, nil
}

func modelsHash(agentTypeID uuid.UUID, newModels map[string]schema.DataModelDef) (string, error) {
	data, err := json.Marshal(newModels)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(agentTypeID.String()+":"), data...))
	return hex.EncodeToString(sum[:]), nil
}

func (m *Migrator) plan(ctx context.Context, agentTypeID uuid.UUID, newModels map[string]schema.DataModelDef) (*MigrationPlan, error) {
	current, err := m.loadManaged(ctx, agentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load managed tables: %w", err)
	}

	plan := &MigrationPlan{AgentTypeID: agentTypeID, models: make(map[string]schema.DataModelDef)}

	modelNames := make([]string, 0, len(newModels))
	for name := range newModels {
		modelNames = append(modelNames, name)
	}
	sort.Strings(modelNames)

	for _, name := range modelNames {
		def := newModels[name]
		if err := identifiers.Safe(def.TableName); err != nil {
			return nil, fmt.Errorf("data model %q: %w", name, err)
		}

		existing, ok := current[name]
		if !ok {
			ops, err := createTableOps(name, def)
			if err != nil {
				return nil, err
			}
			plan.Operations = append(plan.Operations, ops...)
			plan.models[name] = def
			continue
		}

		ops, warnings, err := diffModelOps(name, existing, def)
		if err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, ops...)
		plan.Warnings = append(plan.Warnings, warnings...)
		plan.models[name] = def
	}

	currentNames := make([]string, 0, len(current))
	for name := range current {
		currentNames = append(currentNames, name)
	}
	sort.Strings(currentNames)
	for _, name := range currentNames {
		if _, ok := newModels[name]; ok {
			continue
		}
		existing := current[name]
		plan.Operations = append(plan.Operations, Operation{
			Kind:        OpDropTable,
			ModelName:   name,
			TableName:   existing.TableName,
			SQL:         fmt.Sprintf("DROP TABLE %s", existing.TableName),
			Destructive: true,
		})
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("model %q (table %s) will be dropped", name, existing.TableName))
	}

	return plan, nil
}

// Apply executes plan's operations in order inside a single transaction,
// holding a pg_advisory_lock keyed by the agent type for the duration so
// concurrent Apply calls for the same agent type serialize (Plan takes
// no lock). If any
// operation fails, the whole transaction is rolled back; RollbackPerformed
// reports whether that rollback is known to have reverted every change.
// Once a drop_table or drop_column operation has already been applied in
// this call, the underlying data loss can't be undone by any rollback, so
// Apply reports RollbackPerformed=false for that case even though the
// remaining schema changes in the same transaction are still reverted.
func (m *Migrator) Apply(ctx context.Context, plan *MigrationPlan, confirmDestructive bool) (*MigrationResult, error) {
	if plan.HasDestructive() && !confirmDestructive {
		return nil, ErrDestructiveNotConfirmed
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if err := lockAgentType(ctx, conn, plan.AgentTypeID); err != nil {
		return nil, err
	}
	defer unlockAgentType(ctx, conn, plan.AgentTypeID)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	result := &MigrationResult{}
	var irreversible bool

	for _, op := range plan.Operations {
		if _, err := tx.ExecContext(ctx, op.SQL); err != nil {
			// A failed statement aborts the transaction (Postgres 25P02):
			// every later statement on tx, including hand-rolled inverse
			// DDL, would fail too. tx.Rollback() is what actually undoes
			// everything already applied in this call.
			rollbackErr := tx.Rollback()
			if irreversible || rollbackErr != nil {
				return &MigrationResult{Applied: result.Applied, RollbackPerformed: false}, fmt.Errorf("operation %s on %s failed: %w (rollback not performed)", op.Kind, op.TableName, err)
			}
			result.RollbackPerformed = true
			return result, fmt.Errorf("operation %s on %s failed: %w", op.Kind, op.TableName, err)
		}
		result.Applied = append(result.Applied, op)
		if op.Kind == OpDropTable || op.Kind == OpDropColumn {
			irreversible = true
		}
	}

	if err := m.syncManagedTables(ctx, tx, plan); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("sync managed_tables: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit migration: %w", err)
	}

	// The managed tables changed, so cached plans for this agent type are stale.
	m.mu.Lock()
	for key, cached := range m.planCache {
		if cached.AgentTypeID == plan.AgentTypeID {
			delete(m.planCache, key)
		}
	}
	m.mu.Unlock()

	return result, nil
}

// DropForAgent drops every dynamically-managed table for agentTypeID. It
// satisfies registry.TableDropper.
func (m *Migrator) DropForAgent(ctx context.Context, agentTypeID uuid.UUID, confirm bool) ([]string, error) {
	current, err := m.loadManaged(ctx, agentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load managed tables: %w", err)
	}
	if len(current) == 0 {
		return nil, nil
	}

	plan := &MigrationPlan{AgentTypeID: agentTypeID}
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		existing := current[name]
		plan.Operations = append(plan.Operations, Operation{
			Kind:        OpDropTable,
			ModelName:   name,
			TableName:   existing.TableName,
			SQL:         fmt.Sprintf("DROP TABLE %s", existing.TableName),
			Destructive: true,
		})
	}

	result, err := m.Apply(ctx, plan, confirm)
	if err != nil {
		return nil, err
	}

	dropped := make([]string, 0, len(result.Applied))
	for _, op := range result.Applied {
		dropped = append(dropped, op.TableName)
	}
	return dropped, nil
}

// Stats reports row counts, size, and last-analyzed time for every table
// managed for agentTypeID.
func (m *Migrator) Stats(ctx context.Context, agentTypeID uuid.UUID) (map[string]TableStats, error) {
	current, err := m.loadManaged(ctx, agentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load managed tables: %w", err)
	}

	out := make(map[string]TableStats, len(current))
	for modelName, stored := range current {
		if err := identifiers.Safe(stored.TableName); err != nil {
			return nil, fmt.Errorf("managed table %q: %w", stored.TableName, err)
		}

		var stat TableStats
		err := m.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, stored.TableName)).Scan(&stat.RowCount)
		if err != nil {
			return nil, fmt.Errorf("count rows in %s: %w", stored.TableName, err)
		}

		err = m.db.QueryRowContext(ctx, `SELECT pg_total_relation_size($1)`, stored.TableName).Scan(&stat.TableSizeBytes)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", stored.TableName, err)
		}

		var lastAnalyzed sql.NullTime
		err = m.db.QueryRowContext(ctx,
			`SELECT last_analyze FROM pg_stat_user_tables WHERE relname = $1`, stored.TableName,
		).Scan(&lastAnalyzed)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("analyze stats for %s: %w", stored.TableName, err)
		}
		if lastAnalyzed.Valid {
			stat.LastAnalyzed = &lastAnalyzed.Time
		}

		out[modelName] = stat
	}
	return out, nil
}

func (m *Migrator) loadManaged(ctx context.Context, agentTypeID uuid.UUID) (map[string]storedModel, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT model_name, table_name, definition FROM managed_tables WHERE agent_type_id = $1`, agentTypeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]storedModel)
	for rows.Next() {
		var modelName, tableName string
		var defJSON []byte
		if err := rows.Scan(&modelName, &tableName, &defJSON); err != nil {
			return nil, err
		}
		var sm storedModel
		if len(defJSON) > 0 {
			if err := json.Unmarshal(defJSON, &sm); err != nil {
				return nil, fmt.Errorf("unmarshal stored definition for %s: %w", modelName, err)
			}
		}
		sm.TableName = tableName
		out[modelName] = sm
	}
	return out, rows.Err()
}

func (m *Migrator) syncManagedTables(ctx context.Context, tx *sql.Tx, plan *MigrationPlan) error {
	byModel := make(map[string][]Operation)
	for _, op := range plan.Operations {
		byModel[op.ModelName] = append(byModel[op.ModelName], op)
	}

	for modelName, ops := range byModel {
		dropped := false
		var tableName string
		for _, op := range ops {
			if op.TableName != "" {
				tableName = op.TableName
			}
			if op.Kind == OpDropTable {
				dropped = true
			}
		}
		if dropped {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM managed_tables WHERE agent_type_id = $1 AND model_name = $2`,
				plan.AgentTypeID, modelName,
			); err != nil {
				return err
			}
			continue
		}

		def, ok := plan.models[modelName]
		if !ok {
			continue
		}
		sm := storedModel{TableName: tableName, Fields: def.Fields, Indexes: def.Indexes}
		defJSON, err := json.Marshal(sm)
		if err != nil {
			return fmt.Errorf("marshal stored definition for %s: %w", modelName, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO managed_tables (agent_type_id, model_name, table_name, definition, updated_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (agent_type_id, model_name)
			 DO UPDATE SET table_name = EXCLUDED.table_name, definition = EXCLUDED.definition, updated_at = now()`,
			plan.AgentTypeID, modelName, tableName, defJSON,
		); err != nil {
			return fmt.Errorf("upsert managed_tables row for %s: %w", modelName, err)
		}
	}
	return nil
}

func lockAgentType(ctx context.Context, conn *sql.Conn, agentTypeID uuid.UUID) error {
	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1)::bigint)`, agentTypeID.String())
	if err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	return nil
}

func unlockAgentType(ctx context.Context, conn *sql.Conn, agentTypeID uuid.UUID) {
	_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1)::bigint)`, agentTypeID.String())
}

