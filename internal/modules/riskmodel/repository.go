package riskmodel

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/factorrisk/internal/utils"
)

// ErrSnapshotNotFound is returned when no fresh snapshot matches the lookup.
var ErrSnapshotNotFound = errors.New("risk model snapshot not found")

// SnapshotRepository persists fitted snapshots in the calculations database.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a repository over the risk_snapshots table.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repository", "risk_snapshots").Logger(),
	}
}

// Save stores a snapshot under cacheKey with expiration = now + ttl.
// An existing entry with the same key is replaced.
func (r *SnapshotRepository) Save(cacheKey string, snapshot *Snapshot, ttl time.Duration) error {
	payload, err := snapshot.Encode()
	if err != nil {
		return err
	}

	done := utils.MeasureDBQuery("save_snapshot", r.log)
	now := time.Now()
	result, err := r.db.Exec(
		`INSERT OR REPLACE INTO risk_snapshots (cache_key, run_id, model_kind, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cacheKey, snapshot.RunID, snapshot.Kind, payload, now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snapshot.RunID, err)
	}
	rows, _ := result.RowsAffected()
	done(rows)

	r.log.Debug().
		Str("run_id", snapshot.RunID).
		Str("kind", snapshot.Kind).
		Int("payload_bytes", len(payload)).
		Msg("Stored risk model snapshot")
	return nil
}

// GetByKey returns the fresh snapshot stored under cacheKey, or ErrSnapshotNotFound.
func (r *SnapshotRepository) GetByKey(cacheKey string) (*Snapshot, error) {
	return r.get("SELECT payload FROM risk_snapshots WHERE cache_key = ? AND expires_at > ?", cacheKey)
}

// GetByRunID returns the fresh snapshot produced by a fit run, or ErrSnapshotNotFound.
func (r *SnapshotRepository) GetByRunID(runID string) (*Snapshot, error) {
	return r.get("SELECT payload FROM risk_snapshots WHERE run_id = ? AND expires_at > ?", runID)
}

func (r *SnapshotRepository) get(query, key string) (*Snapshot, error) {
	var payload []byte
	err := r.db.QueryRow(query, key, time.Now().Unix()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}
	return DecodeSnapshot(payload)
}

// DeleteExpired removes all snapshots whose expires_at has passed.
// Returns the number of rows deleted.
func (r *SnapshotRepository) DeleteExpired() (int64, error) {
	done := utils.MeasureDBQuery("delete_expired_snapshots", r.log)
	result, err := r.db.Exec("DELETE FROM risk_snapshots WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	done(deleted)
	return deleted, nil
}

// CleanupJob removes expired snapshots. The scheduler runs it on the configured cron schedule.
type CleanupJob struct {
	repo *SnapshotRepository
	log  zerolog.Logger
}

// NewCleanupJob creates a snapshot cleanup job.
func NewCleanupJob(repo *SnapshotRepository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "risk_snapshot_cleanup").Logger(),
	}
}

// Run deletes expired snapshots.
func (j *CleanupJob) Run() error {
	deleted, err := j.repo.DeleteExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete expired snapshots")
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Cleaned up expired risk model snapshots")
	}
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "risk_snapshot_cleanup"
}
