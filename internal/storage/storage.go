package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the pure-Go SQLite driver. "sqlite3" selects the cgo driver.
const DefaultDriver = "sqlite"

// Store wraps SQLite-backed persistence for acquisitions and the cache index.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DefaultDriver, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS acquisitions (
            id TEXT PRIMARY KEY,
            source TEXT NOT NULL,
            band INTEGER NOT NULL,
            detector TEXT,
            obs_date TEXT NOT NULL,
            status TEXT NOT NULL,
            from_cache BOOLEAN DEFAULT FALSE,
            frame_count INTEGER DEFAULT 0,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS acquisition_results (
            acquisition_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS acquisition_frames (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            acquisition_id TEXT NOT NULL,
            file_path TEXT NOT NULL,
            obs_time TEXT,
            exposure REAL,
            included BOOLEAN DEFAULT TRUE,
            degraded TEXT,
            reason TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
            cache_key TEXT PRIMARY KEY,
            source TEXT NOT NULL,
            band INTEGER NOT NULL,
            obs_date TEXT NOT NULL,
            grid_path TEXT NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            frame_count INTEGER NOT NULL,
            meta_json TEXT NOT NULL,
            stored_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_acquisition_frames_acq ON acquisition_frames(acquisition_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acquisitions_created ON acquisitions(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// AcquisitionRecord captures persisted acquisition info.
type AcquisitionRecord struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Band        int        `json:"band"`
	Detector    string     `json:"detector,omitempty"`
	Date        string     `json:"date"`
	Status      string     `json:"status"`
	FromCache   bool       `json:"from_cache"`
	FrameCount  int        `json:"frame_count"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrameRecord is the provenance of one file considered by an acquisition.
type FrameRecord struct {
	AcquisitionID string    `json:"acquisition_id"`
	Path          string    `json:"path"`
	Time          time.Time `json:"time"`
	Exposure      float64   `json:"exposure"`
	Included      bool      `json:"included"`
	Degraded      []string  `json:"degraded,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// CacheEntryRecord indexes one composite stored on disk.
type CacheEntryRecord struct {
	Key        string
	Source     string
	Band       int
	Date       string
	GridPath   string
	Width      int
	Height     int
	FrameCount int
	MetaJSON   string
	StoredAt   time.Time
}

// RecordAcquisitionQueued inserts a pending acquisition.
func (s *Store) RecordAcquisitionQueued(rec AcquisitionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO acquisitions (id, source, band, detector, obs_date, status, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Source, rec.Band, rec.Detector, rec.Date, rec.Status, rec.OptionsJSON)
	return err
}

// RecordAcquisitionStart marks an acquisition as running.
func (s *Store) RecordAcquisitionStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE acquisitions SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordAcquisitionResult finalizes an acquisition with status and meta.
func (s *Store) RecordAcquisitionResult(id, status string, fromCache bool, frameCount int, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE acquisitions SET status=?, from_cache=?, frame_count=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, fromCache, frameCount, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO acquisition_results (acquisition_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordFrames persists per-file provenance for an acquisition.
func (s *Store) RecordFrames(frames []FrameRecord) error {
	if s == nil || len(frames) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO acquisition_frames (acquisition_id, file_path, obs_time, exposure, included, degraded, reason) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, f := range frames {
		degraded, _ := json.Marshal(f.Degraded)
		if _, err := stmt.Exec(f.AcquisitionID, f.Path, formatTime(f.Time), f.Exposure, f.Included, string(degraded), f.Reason); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Frames returns the provenance rows recorded for an acquisition.
func (s *Store) Frames(acquisitionID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, obs_time, exposure, included, degraded, reason FROM acquisition_frames WHERE acquisition_id=? ORDER BY id;`, acquisitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		rec := FrameRecord{AcquisitionID: acquisitionID}
		var obs, degraded, reason sql.NullString
		if err := rows.Scan(&rec.Path, &obs, &rec.Exposure, &rec.Included, &degraded, &reason); err != nil {
			return nil, err
		}
		rec.Time = parseTime(obs.String)
		rec.Reason = reason.String
		if degraded.Valid && degraded.String != "" {
			_ = json.Unmarshal([]byte(degraded.String), &rec.Degraded)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const acquisitionColumns = `id, source, band, detector, obs_date, status, from_cache, frame_count, options_json, created_at, started_at, completed_at, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAcquisition(row rowScanner) (AcquisitionRecord, error) {
	var rec AcquisitionRecord
	var created time.Time
	var started, completed sql.NullTime
	var detector, options, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Source, &rec.Band, &detector, &rec.Date, &rec.Status, &rec.FromCache, &rec.FrameCount, &options, &created, &started, &completed, &errorMsg); err != nil {
		return AcquisitionRecord{}, err
	}
	rec.CreatedAt = created
	rec.Detector = detector.String
	rec.OptionsJSON = options.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// RecentAcquisitions returns the latest acquisitions up to limit.
func (s *Store) RecentAcquisitions(limit int) ([]AcquisitionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+acquisitionColumns+` FROM acquisitions ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AcquisitionRecord
	for rows.Next() {
		rec, err := scanAcquisition(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Acquisition fetches one acquisition by id. A missing row is not an error.
func (s *Store) Acquisition(id string) (AcquisitionRecord, bool, error) {
	if s == nil {
		return AcquisitionRecord{}, false, errors.New("store not initialized")
	}
	rec, err := scanAcquisition(s.DB.QueryRow(`SELECT `+acquisitionColumns+` FROM acquisitions WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AcquisitionRecord{}, false, nil
	}
	if err != nil {
		return AcquisitionRecord{}, false, err
	}
	return rec, true, nil
}

// Finished reports whether status is one an acquisition ends in.
func Finished(status string) bool {
	switch status {
	case "completed", "failed", "not_found", "cancelled", "rejected":
		return true
	}
	return false
}

// AcquisitionMeta fetches the last meta blob for an acquisition.
func (s *Store) AcquisitionMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM acquisition_results WHERE acquisition_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// PutCacheEntry upserts the index row for a cache key.
func (s *Store) PutCacheEntry(rec CacheEntryRecord) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO cache_entries (cache_key, source, band, obs_date, grid_path, width, height, frame_count, meta_json, stored_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Key, rec.Source, rec.Band, rec.Date, rec.GridPath, rec.Width, rec.Height, rec.FrameCount, rec.MetaJSON, formatTime(rec.StoredAt))
	return err
}

// CacheEntry returns the index row for key. A missing row is not an error.
func (s *Store) CacheEntry(key string) (CacheEntryRecord, bool, error) {
	if s == nil {
		return CacheEntryRecord{}, false, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT cache_key, source, band, obs_date, grid_path, width, height, frame_count, meta_json, stored_at FROM cache_entries WHERE cache_key=?;`, key)
	rec, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntryRecord{}, false, nil
	}
	if err != nil {
		return CacheEntryRecord{}, false, err
	}
	return rec, true, nil
}

// CacheEntries lists every index row, newest first.
func (s *Store) CacheEntries() ([]CacheEntryRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT cache_key, source, band, obs_date, grid_path, width, height, frame_count, meta_json, stored_at FROM cache_entries ORDER BY stored_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CacheEntryRecord
	for rows.Next() {
		rec, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCacheEntry removes the index row for key.
func (s *Store) DeleteCacheEntry(key string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM cache_entries WHERE cache_key=?;`, key)
	return err
}

// DeleteCacheEntryByPath removes index rows pointing at gridPath.
func (s *Store) DeleteCacheEntryByPath(gridPath string) (string, error) {
	if s == nil {
		return "", nil
	}
	var key string
	err := s.DB.QueryRow(`SELECT cache_key FROM cache_entries WHERE grid_path=?;`, gridPath).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, err = s.DB.Exec(`DELETE FROM cache_entries WHERE grid_path=?;`, gridPath)
	return key, err
}

// ClearCacheEntries removes every index row.
func (s *Store) ClearCacheEntries() error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM cache_entries;`)
	return err
}

func scanCacheEntry(row rowScanner) (CacheEntryRecord, error) {
	var rec CacheEntryRecord
	var stored string
	if err := row.Scan(&rec.Key, &rec.Source, &rec.Band, &rec.Date, &rec.GridPath, &rec.Width, &rec.Height, &rec.FrameCount, &rec.MetaJSON, &stored); err != nil {
		return CacheEntryRecord{}, err
	}
	rec.StoredAt = parseTime(stored)
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
