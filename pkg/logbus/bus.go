package logbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSubscriptionNotFound is returned when ack/poll targets a
// (group, consumer) pair that was never subscribed.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// NotifyChannel is the Postgres NOTIFY channel carrying newly published
// stream_ids for the live-push fan-out (see listener.go).
const NotifyChannel = "agentcore_logbus_events"

// Bus is the durable, Postgres-backed Log Bus.
type Bus struct {
	db     *sql.DB
	maxLen int
}

// New wraps the shared connection pool. maxLen <= 0 disables trimming.
func New(db *sql.DB, maxLen int) *Bus {
	return &Bus{db: db, maxLen: maxLen}
}

// Publish atomically appends event, assigning its monotone stream_id,
// and fires a transactional pg_notify so live-push listeners wake up
// only after the row is durably committed.
func (b *Bus) Publish(ctx context.Context, event LogEvent) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metadataJSON, err := marshalNullable(event.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	errorJSON, err := marshalNullable(event.Error)
	if err != nil {
		return 0, fmt.Errorf("marshal error: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var streamID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO log_events (ts, level, workflow_id, task_id, agent_id, step_id, trace_id, user_id, scope, component, message, metadata, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING stream_id`,
		event.Timestamp, event.Level, nullableStr(event.WorkflowID), nullableStr(event.TaskID),
		nullableStr(event.AgentID), nullableStr(event.StepID), event.TraceID, nullableStr(event.UserID),
		event.Scope, event.Component, event.Message, metadataJSON, errorJSON,
	).Scan(&streamID)
	if err != nil {
		return 0, fmt.Errorf("insert log event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, fmt.Sprintf("%d", streamID)); err != nil {
		return 0, fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit publish: %w", err)
	}

	if b.maxLen > 0 {
		b.trim(ctx, streamID)
	}

	return streamID, nil
}

// trim is approximate and best-effort: failures are not surfaced to the
// publisher, since a late trim only means the stream briefly exceeds
// maxLen, never that data is corrupted.
func (b *Bus) trim(ctx context.Context, latestID int64) {
	watermark := latestID - int64(b.maxLen)
	if watermark <= 0 {
		return
	}
	_, _ = b.db.ExecContext(ctx, `DELETE FROM log_events WHERE stream_id <= $1`, watermark)
}

// CreateConsumerGroup creates or updates a named consumer group's
// default filters.
func (b *Bus) CreateConsumerGroup(ctx context.Context, group string, filters Filter) error {
	filtersJSON, err := marshalNullable(filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO log_consumer_groups (name, filters) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET filters = EXCLUDED.filters`,
		group, filtersJSON,
	)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Subscription is a handle returned by Subscribe; Poll/Ack operate on it.
type Subscription struct {
	bus      *Bus
	Group    string
	Consumer string
	Filters  Filter
}

// Subscribe creates-or-joins a consumer group for consumer, applying
// filters server-side on every Poll.
func (b *Bus) Subscribe(ctx context.Context, group, consumer string, filters Filter) (*Subscription, error) {
	if err := b.CreateConsumerGroup(ctx, group, nil); err != nil {
		return nil, err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO log_consumer_positions (group_name, consumer, position) VALUES ($1, $2, 0)
		ON CONFLICT (group_name, consumer) DO NOTHING`,
		group, consumer,
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer position: %w", err)
	}
	return &Subscription{bus: b, Group: group, Consumer: consumer, Filters: filters}, nil
}

func (b *Bus) position(ctx context.Context, group, consumer string) (int64, error) {
	var pos int64
	err := b.db.QueryRowContext(ctx,
		`SELECT position FROM log_consumer_positions WHERE group_name = $1 AND consumer = $2`,
		group, consumer,
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSubscriptionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read consumer position: %w", err)
	}
	return pos, nil
}

// Poll returns at most one matching event newer than the subscription's
// position per call; max bounds how many rows are scanned. Non-matching events in the scanned window are skipped and
// their position auto-advanced, per spec.md §4.H; the first matching
// event halts auto-advance so it (and anything after it) remains
// available for redelivery until explicitly Acked. missedEvents is
// non-zero when the subscriber fell behind the stream's trim watermark.
func (b *Bus) Poll(ctx context.Context, sub *Subscription, max int) (events []LogEvent, missedEvents int64, err error) {
	pos, err := b.position(ctx, sub.Group, sub.Consumer)
	if err != nil {
		return nil, 0, err
	}

	var minID sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT min(stream_id) FROM log_events`).Scan(&minID); err != nil {
		return nil, 0, fmt.Errorf("read stream watermark: %w", err)
	}
	if minID.Valid && pos > 0 && pos < minID.Int64-1 {
		missedEvents = minID.Int64 - 1 - pos
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT stream_id, ts, level, workflow_id, task_id, agent_id, step_id, trace_id, user_id, scope, component, message, metadata, error
		FROM log_events WHERE stream_id > $1 ORDER BY stream_id LIMIT $2`,
		pos, max*4, // over-fetch since non-matching rows get filtered client-side
	)
	if err != nil {
		return nil, 0, fmt.Errorf("poll events: %w", err)
	}
	defer rows.Close()

	autoAckThrough := pos
	stopped := false
	for rows.Next() {
		ev, err := scanLogEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		if stopped {
			break
		}
		if sub.Filters.Matches(ev) {
			events = append(events, ev)
			stopped = true
			continue
		}
		autoAckThrough = ev.StreamID
		if len(events) >= max {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if autoAckThrough > pos {
		if _, err := b.db.ExecContext(ctx,
			`UPDATE log_consumer_positions SET position = $1, updated_at = now() WHERE group_name = $2 AND consumer = $3 AND position < $1`,
			autoAckThrough, sub.Group, sub.Consumer,
		); err != nil {
			return nil, 0, fmt.Errorf("auto-advance position: %w", err)
		}
	}

	return events, missedEvents, nil
}

// Ack advances consumer position to streamID (monotonically — it never
// moves backward).
func (b *Bus) Ack(ctx context.Context, sub *Subscription, streamID int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE log_consumer_positions SET position = $1, updated_at = now() WHERE group_name = $2 AND consumer = $3 AND position < $1`,
		streamID, sub.Group, sub.Consumer,
	)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := b.position(ctx, sub.Group, sub.Consumer); err != nil {
			return err
		}
	}
	return nil
}

// Range returns historical events in [fromID, toID] (toID <= 0 means no
// upper bound), capped at max.
func (b *Bus) Range(ctx context.Context, fromID, toID int64, max int) ([]LogEvent, error) {
	var rows *sql.Rows
	var err error
	if toID > 0 {
		rows, err = b.db.QueryContext(ctx, `
			SELECT stream_id, ts, level, workflow_id, task_id, agent_id, step_id, trace_id, user_id, scope, component, message, metadata, error
			FROM log_events WHERE stream_id >= $1 AND stream_id <= $2 ORDER BY stream_id LIMIT $3`,
			fromID, toID, max,
		)
	} else {
		rows, err = b.db.QueryContext(ctx, `
			SELECT stream_id, ts, level, workflow_id, task_id, agent_id, step_id, trace_id, user_id, scope, component, message, metadata, error
			FROM log_events WHERE stream_id >= $1 ORDER BY stream_id LIMIT $2`,
			fromID, max,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()

	var out []LogEvent
	for rows.Next() {
		ev, err := scanLogEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than horizon. It is monotone and never
// reorders ids; intended to be called periodically from a background
// goroutine (see cmd/agentcore).
func (b *Bus) Prune(ctx context.Context, horizon time.Duration) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM log_events WHERE ts < $1`, time.Now().UTC().Add(-horizon))
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

func scanLogEvent(rows *sql.Rows) (LogEvent, error) {
	var ev LogEvent
	var workflowID, taskID, agentID, stepID, userID sql.NullString
	var metadataJSON, errorJSON []byte
	err := rows.Scan(&ev.StreamID, &ev.Timestamp, &ev.Level, &workflowID, &taskID, &agentID, &stepID,
		&ev.TraceID, &userID, &ev.Scope, &ev.Component, &ev.Message, &metadataJSON, &errorJSON)
	if err != nil {
		return LogEvent{}, fmt.Errorf("scan log event: %w", err)
	}
	ev.WorkflowID = workflowID.String
	ev.TaskID = taskID.String
	ev.AgentID = agentID.String
	ev.StepID = stepID.String
	ev.UserID = userID.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
			return LogEvent{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		ev.Error = &EventError{}
		if err := json.Unmarshal(errorJSON, ev.Error); err != nil {
			return LogEvent{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return ev, nil
}

func nullableStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
