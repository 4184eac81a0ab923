package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nullstream/mqq/internal/model"
)

// UpsertPeriodicState creates or advances the persistent cursor for one
// registered periodic definition. Called both at Register (to seed the
// first nextRunAt) and after every fire (to advance it) — always inside
// the same transaction as the catch-up/fire enqueue.
func (s *Store) UpsertPeriodicState(ctx context.Context, def model.PeriodicDefinition, session Session) error {
	body, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal periodic definition: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, definition, last_run_at, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			definition  = EXCLUDED.definition,
			last_run_at = EXCLUDED.last_run_at,
			next_run_at = EXCLUDED.next_run_at,
			updated_at  = now()`, s.table("periodic_jobs"))
	_, err = s.sess(session).Exec(ctx, query, def.Name, body, def.LastRunAt, def.NextRunAt)
	if err != nil {
		return fmt.Errorf("upsert periodic state: %w", err)
	}
	return nil
}

func (s *Store) GetPeriodicDefinition(ctx context.Context, name string) (model.PeriodicDefinition, bool, error) {
	query := fmt.Sprintf(`
		SELECT name, definition, last_run_at, next_run_at, created_at, updated_at
		FROM %s WHERE name = $1`, s.table("periodic_jobs"))
	row := s.pool.QueryRow(ctx, query, name)
	def, err := scanPeriodicDefinition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PeriodicDefinition{}, false, nil
		}
		return model.PeriodicDefinition{}, false, err
	}
	return def, true, nil
}

func (s *Store) ListPeriodicDefinitions(ctx context.Context) ([]model.PeriodicDefinition, error) {
	query := fmt.Sprintf(`
		SELECT name, definition, last_run_at, next_run_at, created_at, updated_at
		FROM %s ORDER BY name ASC`, s.table("periodic_jobs"))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list periodic definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.PeriodicDefinition
	for rows.Next() {
		d, err := scanPeriodicDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *Store) DeletePeriodicDefinition(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.table("periodic_jobs"))
	_, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("delete periodic definition: %w", err)
	}
	return nil
}

func scanPeriodicDefinition(row rowScanner) (model.PeriodicDefinition, error) {
	var d model.PeriodicDefinition
	var body []byte
	var createdAt, updatedAt time.Time
	err := row.Scan(&d.Name, &body, &d.LastRunAt, &d.NextRunAt, &createdAt, &updatedAt)
	if err != nil {
		return model.PeriodicDefinition{}, fmt.Errorf("scan periodic definition: %w", err)
	}
	if err := json.Unmarshal(body, &d.Definition); err != nil {
		return model.PeriodicDefinition{}, fmt.Errorf("unmarshal periodic definition body: %w", err)
	}
	d.CreatedAt, d.UpdatedAt = createdAt, updatedAt
	return d, nil
}
