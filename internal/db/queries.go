package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// EventRow is a row in factory_events.
type EventRow struct {
	ID         int64
	PipelineID string
	Type       string
	Timestamp  time.Time
	Data       map[string]any
}

// Event converts the row back to a log event.
func (r EventRow) Event() events.Event {
	return events.Event{Timestamp: r.Timestamp, Type: events.Type(r.Type), Data: r.Data}
}

// PipelineRow is a row in factory_pipelines.
type PipelineRow struct {
	ID         string
	Prompt     string
	TargetPath string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WriteEvent inserts ev and keeps the pipeline row in step with it.
func (d *DB) WriteEvent(ctx context.Context, pipelineID string, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO factory_events (pipeline_id, type, timestamp, data) VALUES ($1, $2, $3, $4)`,
		pipelineID, string(ev.Type), ev.Timestamp, data,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	switch ev.Type {
	case events.PipelineCreated:
		_, err = tx.Exec(ctx,
			`INSERT INTO factory_pipelines (id, prompt, target_path, status, created_at, updated_at)
			 VALUES ($1, $2, $3, 'qa', $4, $4)
			 ON CONFLICT (id) DO NOTHING`,
			pipelineID, ev.String("prompt"), ev.String("target_path"), ev.Timestamp,
		)
	case events.StatusChanged:
		_, err = tx.Exec(ctx,
			`UPDATE factory_pipelines SET status = $2, updated_at = $3 WHERE id = $1`,
			pipelineID, ev.String("to"), ev.Timestamp,
		)
	}
	if err != nil {
		return fmt.Errorf("update pipeline row: %w", err)
	}
	return tx.Commit(ctx)
}

// Events returns the mirrored events of a pipeline in append order. A
// positive limit keeps only the most recent ones.
func (d *DB) Events(ctx context.Context, pipelineID string, limit int) ([]EventRow, error) {
	query := `SELECT id, pipeline_id, type, timestamp, data FROM (
		SELECT * FROM factory_events WHERE pipeline_id = $1 ORDER BY id DESC LIMIT $2
	) recent ORDER BY id ASC`
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := d.pool.Query(ctx, query, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var data []byte
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.Type, &r.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &r.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCounts returns how many events of each type a pipeline has.
func (d *DB) EventCounts(ctx context.Context, pipelineID string) (map[string]int, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT type, COUNT(*) FROM factory_events WHERE pipeline_id = $1 GROUP BY type`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// Pipeline returns the mirrored pipeline row, or nil when there is none.
func (d *DB) Pipeline(ctx context.Context, id string) (*PipelineRow, error) {
	var r PipelineRow
	err := d.pool.QueryRow(ctx,
		`SELECT id, prompt, target_path, status, created_at, updated_at FROM factory_pipelines WHERE id = $1`, id,
	).Scan(&r.ID, &r.Prompt, &r.TargetPath, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return &r, nil
}
