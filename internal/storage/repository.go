package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/oracle"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertConsensusSQL = `INSERT INTO consensus_results (
        subject,
        window_start,
        window_end,
        reference,
        confidence,
        sources
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (subject, window_start) DO NOTHING;`

	listRecentConsensusSQL = `SELECT
        subject,
        window_start,
        window_end,
        reference,
        confidence,
        sources,
        created_at
    FROM consensus_results
    WHERE subject = $1
    ORDER BY window_start DESC
    LIMIT $2;`

	insertAnomalySQL = `INSERT INTO anomaly_records (
        subject,
        source,
        window_start,
        window_end,
        severity,
        deviation,
        reason,
        detected_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentAnomaliesSQL = `SELECT
        id,
        subject,
        source,
        window_start,
        window_end,
        severity,
        deviation,
        reason,
        detected_at,
        created_at
    FROM anomaly_records
    WHERE subject = $1
    ORDER BY detected_at DESC
    LIMIT $2;`

	upsertScoreSQL = `INSERT INTO score_snapshots (
        source,
        subject,
        score,
        window_start
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (source, subject, window_start) DO UPDATE
    SET score = EXCLUDED.score;`

	listScoreHistorySQL = `SELECT
        source,
        subject,
        score,
        window_start,
        created_at
    FROM score_snapshots
    WHERE source = $1
      AND subject = $2
      AND window_start >= $3
      AND window_start < $4
    ORDER BY window_start;`

	countConsensusSQL = `SELECT COUNT(*) FROM consensus_results;`
)

// ConsensusStore defines persistence for consensus results. Records are
// immutable once written; a replayed window is a no-op, never an update.
type ConsensusStore interface {
	InsertConsensusResult(ctx context.Context, res oracle.ConsensusResult) error
	ListRecentConsensus(ctx context.Context, subject string, limit int) ([]ConsensusRow, error)
}

// AnomalyStore defines persistence for anomaly records.
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, rec oracle.AnomalyRecord) error
	ListRecentAnomalies(ctx context.Context, subject string, limit int) ([]AnomalyRow, error)
}

// ScoreStore defines persistence for integrity score snapshots.
type ScoreStore interface {
	UpsertScore(ctx context.Context, chg oracle.ScoreChange) error
	ListScoreHistory(ctx context.Context, source, subject string, from, to time.Time) ([]ScorePoint, error)
}

// Store aggregates access to consensus results, anomalies, and scores.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertConsensusResult persists one reconciled window.
func (s *Store) InsertConsensusResult(ctx context.Context, res oracle.ConsensusResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	sources, err := json.Marshal(res.Sources)
	if err != nil {
		return fmt.Errorf("marshal consensus sources: %w", err)
	}

	_, execErr := pool.Exec(ctx, insertConsensusSQL,
		res.Subject,
		res.WindowStart,
		res.WindowEnd,
		res.Reference.String(),
		res.Confidence.String(),
		sources,
	)
	if execErr != nil {
		return fmt.Errorf("insert consensus result: %w", execErr)
	}
	return nil
}

// ListRecentConsensus lists the most recent results for a subject.
func (s *Store) ListRecentConsensus(ctx context.Context, subject string, limit int) ([]ConsensusRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentConsensusSQL, subject, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent consensus: %w", queryErr)
	}
	defer rows.Close()

	results := make([]ConsensusRow, 0, limit)
	for rows.Next() {
		row, scanErr := scanConsensusRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// InsertAnomaly persists one flagged deviation.
func (s *Store) InsertAnomaly(ctx context.Context, rec oracle.AnomalyRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAnomalySQL,
		rec.Subject,
		rec.Source,
		rec.WindowStart,
		rec.WindowEnd,
		rec.Severity.String(),
		rec.Deviation.String(),
		rec.Reason,
		rec.DetectedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert anomaly record: %w", execErr)
	}
	return nil
}

// ListRecentAnomalies lists most recent anomalies for a subject.
func (s *Store) ListRecentAnomalies(ctx context.Context, subject string, limit int) ([]AnomalyRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, subject, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	records := make([]AnomalyRow, 0, limit)
	for rows.Next() {
		var rec AnomalyRow
		var deviationStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Subject,
			&rec.Source,
			&rec.WindowStart,
			&rec.WindowEnd,
			&rec.Severity,
			&deviationStr,
			&rec.Reason,
			&rec.DetectedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.Deviation, convErr = decimal.NewFromString(deviationStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse deviation: %w", convErr)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UpsertScore persists one published score snapshot.
func (s *Store) UpsertScore(ctx context.Context, chg oracle.ScoreChange) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertScoreSQL,
		chg.Source,
		chg.Subject,
		chg.Score.String(),
		chg.WindowStart,
	)
	if execErr != nil {
		return fmt.Errorf("upsert score snapshot: %w", execErr)
	}
	return nil
}

// ListScoreHistory lists score snapshots for a pair within a time window.
func (s *Store) ListScoreHistory(ctx context.Context, source, subject string, from, to time.Time) ([]ScorePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listScoreHistorySQL, source, subject, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list score history: %w", queryErr)
	}
	defer rows.Close()

	points := make([]ScorePoint, 0)
	for rows.Next() {
		var pt ScorePoint
		var scoreStr string
		if err := rows.Scan(
			&pt.Source,
			&pt.Subject,
			&scoreStr,
			&pt.WindowStart,
			&pt.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		pt.Score, convErr = decimal.NewFromString(scoreStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse score: %w", convErr)
		}
		points = append(points, pt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// CountConsensus counts stored consensus results.
func (s *Store) CountConsensus(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countConsensusSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count consensus results: %w", scanErr)
	}
	return count, nil
}

func scanConsensusRow(rows pgx.Rows) (ConsensusRow, error) {
	var (
		row           ConsensusRow
		confidenceStr string
		sources       json.RawMessage
	)

	if err := rows.Scan(
		&row.Subject,
		&row.WindowStart,
		&row.WindowEnd,
		&row.Reference,
		&confidenceStr,
		&sources,
		&row.CreatedAt,
	); err != nil {
		return ConsensusRow{}, err
	}

	confidence, err := decimal.NewFromString(confidenceStr)
	if err != nil {
		return ConsensusRow{}, fmt.Errorf("parse confidence: %w", err)
	}
	row.Confidence = confidence
	row.Sources = sources
	return row, nil
}
