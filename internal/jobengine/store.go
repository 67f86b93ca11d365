package jobengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/lapig-ufg/tiles/internal/apperr"
)

// Store durably persists JobRecords so job state survives a process
// restart. Adapted from internal/mbtiles/{reader,writer}.go's
// pragma-tuned database/sql-over-modernc.org/sqlite shape, with the
// tiles(zoom,col,row,data) schema replaced by jobs(id,kind,state,...).
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) a JobRecord store at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobengine: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 50000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("jobengine: set pragma %q: %w", p, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			progress REAL NOT NULL DEFAULT 0,
			counters_total INTEGER NOT NULL DEFAULT 0,
			counters_done INTEGER NOT NULL DEFAULT 0,
			counters_failed INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS campaign_progress (
			campaign_id TEXT PRIMARY KEY,
			progress_json TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("jobengine: create schema: %w", err)
	}
	return nil
}

// Insert persists a new JobRecord.
func (s *Store) Insert(ctx context.Context, j *JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, state, payload, created_at, progress, counters_total, counters_done, counters_failed, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.State, j.Payload, j.CreatedAt.Unix(), j.Progress,
		j.Counters.Total, j.Counters.Done, j.Counters.Failed, j.LastError,
	)
	if err != nil {
		return fmt.Errorf("jobengine: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Update persists every mutable field of j (state, timestamps, progress,
// counters, last error).
func (s *Store) Update(ctx context.Context, j *JobRecord) error {
	var startedAt, finishedAt sql.NullInt64
	if j.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: j.StartedAt.Unix(), Valid: true}
	}
	if j.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: j.FinishedAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state=?, started_at=?, finished_at=?, progress=?,
		 counters_total=?, counters_done=?, counters_failed=?, last_error=?
		 WHERE id=?`,
		j.State, startedAt, finishedAt, j.Progress,
		j.Counters.Total, j.Counters.Done, j.Counters.Failed, j.LastError, j.ID,
	)
	if err != nil {
		return fmt.Errorf("jobengine: update job %s: %w", j.ID, err)
	}
	return nil
}

// Get fetches a JobRecord by id.
func (s *Store) Get(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, state, payload, created_at, started_at, finished_at,
		        progress, counters_total, counters_done, counters_failed, last_error
		 FROM jobs WHERE id=?`, id)

	var (
		j                     JobRecord
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Kind, &j.State, &j.Payload, &createdAt, &startedAt, &finishedAt,
		&j.Progress, &j.Counters.Total, &j.Counters.Done, &j.Counters.Failed, &j.LastError)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, fmt.Errorf("jobengine: job %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("jobengine: get job %s: %w", id, err)
	}

	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		j.FinishedAt = &t
	}
	return &j, nil
}

// CampaignProgress returns the last persisted progress snapshot for
// campaignID, or the zero value if none has been recorded yet.
func (s *Store) CampaignProgress(ctx context.Context, campaignID string) (CampaignProgress, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT progress_json FROM campaign_progress WHERE campaign_id=?`, campaignID).Scan(&raw)
	if err == sql.ErrNoRows {
		return CampaignProgress{}, nil
	}
	if err != nil {
		return CampaignProgress{}, fmt.Errorf("jobengine: get campaign progress %s: %w", campaignID, err)
	}

	var p CampaignProgress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return CampaignProgress{}, fmt.Errorf("jobengine: decode campaign progress %s: %w", campaignID, err)
	}
	return p, nil
}

// SaveCampaignProgress persists p as campaignID's latest progress snapshot.
func (s *Store) SaveCampaignProgress(ctx context.Context, campaignID string, p CampaignProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("jobengine: encode campaign progress %s: %w", campaignID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaign_progress (campaign_id, progress_json) VALUES (?, ?)
		 ON CONFLICT(campaign_id) DO UPDATE SET progress_json=excluded.progress_json`,
		campaignID, string(raw))
	if err != nil {
		return fmt.Errorf("jobengine: save campaign progress %s: %w", campaignID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
