package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ghostSettler/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlement_attempts (
	attempt_id       TEXT PRIMARY KEY,
	trigger_id       TEXT NOT NULL,
	state            TEXT NOT NULL,
	stage            TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	pool_id          TEXT NOT NULL DEFAULT '',
	tx_hash          TEXT NOT NULL DEFAULT '',
	block_number     BIGINT NOT NULL DEFAULT 0,
	sqrt_price_limit TEXT NOT NULL DEFAULT '',
	zero_for_one     BOOLEAN NOT NULL DEFAULT false,
	amount0          TEXT NOT NULL DEFAULT '',
	amount1          TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settlement_intents (
	attempt_id TEXT NOT NULL REFERENCES settlement_attempts (attempt_id),
	intent_id  TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (attempt_id, intent_id)
);

CREATE INDEX IF NOT EXISTS settlement_intents_intent_idx ON settlement_intents (intent_id, outcome);
`

// Intent outcomes recorded per attempt.
const (
	OutcomeSettled     = "settled"
	OutcomeUnconfirmed = "unconfirmed"
	OutcomeSkipped     = "skipped"
)

// Store provides Postgres persistence for settlement attempts.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the attempt ledger tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PutResultBatch records attempts and per-intent outcomes in one batch.
func (s *Store) PutResultBatch(ctx context.Context, results []model.ExecutionResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range results {
		batch.Queue(`
			INSERT INTO settlement_attempts (
				attempt_id, trigger_id, state, stage, reason, pool_id, tx_hash, block_number,
				sqrt_price_limit, zero_for_one, amount0, amount1, started_at, finished_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (attempt_id)
			DO UPDATE SET
				state = EXCLUDED.state,
				stage = EXCLUDED.stage,
				reason = EXCLUDED.reason,
				tx_hash = EXCLUDED.tx_hash,
				block_number = EXCLUDED.block_number,
				finished_at = EXCLUDED.finished_at
		`,
			r.AttemptID,
			r.TriggerID,
			string(r.State),
			r.Stage,
			r.Reason,
			r.PoolID,
			r.TxHash,
			int64(r.BlockNumber),
			r.SqrtPriceLimit,
			r.ZeroForOne,
			r.Amount0,
			r.Amount1,
			r.StartedAt,
			r.FinishedAt,
		)
		for _, row := range IntentOutcomes(r) {
			batch.Queue(`
				INSERT INTO settlement_intents (attempt_id, intent_id, outcome, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (attempt_id, intent_id)
				DO UPDATE SET outcome = EXCLUDED.outcome, updated_at = now()
			`, r.AttemptID, row[0], row[1])
		}
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store results: %w", err)
		}
	}
	return nil
}

// SettledSince returns intent ids confirmed settled after since.
func (s *Store) SettledSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT intent_id FROM settlement_intents
		WHERE outcome = $1 AND updated_at >= $2
	`, OutcomeSettled, since)
	if err != nil {
		return nil, fmt.Errorf("query settled: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan settled: %w", err)
	}
	return ids, nil
}

// IntentOutcomes flattens a result into (intent_id, outcome) pairs.
func IntentOutcomes(r model.ExecutionResult) [][2]string {
	out := make([][2]string, 0, len(r.SettledIDs)+len(r.UnconfirmedIDs)+len(r.SkippedIDs))
	for _, id := range r.SettledIDs {
		out = append(out, [2]string{id, OutcomeSettled})
	}
	for _, id := range r.UnconfirmedIDs {
		out = append(out, [2]string{id, OutcomeUnconfirmed})
	}
	for _, id := range r.SkippedIDs {
		out = append(out, [2]string{id, OutcomeSkipped})
	}
	return out
}
