// Package database provides SQLite persistence for the captured token, the
// durable lecture queue, and download task history. Callers treat every
// error from this package as "storage unavailable" and continue with
// in-memory state; persistence failures are never converted into task
// failures.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ZJHSteven/smartclass-downloader/pkg/models"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	// Add connection parameters to help with concurrent access
	connString := dbPath
	if dbPath != ":memory:" {
		connString = dbPath + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	conn, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		new_id TEXT NOT NULL UNIQUE,
		page_url TEXT NOT NULL,
		meta TEXT,
		lecture_date TEXT,
		filename TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lecture_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		primary_url TEXT NOT NULL,
		fallback_url TEXT,
		status TEXT NOT NULL,
		downloaded_bytes INTEGER DEFAULT 0,
		total_bytes INTEGER DEFAULT -1,
		speed REAL DEFAULT 0.0,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	CREATE INDEX IF NOT EXISTS idx_downloads_lecture_id ON downloads(lecture_id);
	CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// GetSetting returns the value stored under key, or sql.ErrNoRows when the
// key has never been written.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores value under key, replacing any previous value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(`
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store setting %q: %w", key, err)
	}
	return nil
}

// EnqueueLecture persists a queue entry. Re-enqueueing a known lecture id
// is a silent no-op, matching the queue's in-memory dedup.
func (db *DB) EnqueueLecture(ref *models.LectureRef) error {
	var date any
	if ref.Date != nil {
		date = ref.Date.Format("2006-01-02")
	}
	_, err := db.conn.Exec(`
	INSERT OR IGNORE INTO queue (new_id, page_url, meta, lecture_date, filename, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, ref.ID, ref.PageURL, ref.Meta, date, ref.Filename, time.Now())
	if err != nil {
		return fmt.Errorf("failed to enqueue lecture: %w", err)
	}
	return nil
}

// DequeueLecture removes the persisted queue entry for a lecture id.
func (db *DB) DequeueLecture(lectureID string) error {
	_, err := db.conn.Exec(`DELETE FROM queue WHERE new_id = ?`, lectureID)
	if err != nil {
		return fmt.Errorf("failed to dequeue lecture: %w", err)
	}
	return nil
}

// PendingLectures returns all persisted queue entries in enqueue order.
func (db *DB) PendingLectures() ([]*models.LectureRef, error) {
	rows, err := db.conn.Query(`
	SELECT new_id, page_url, meta, lecture_date, filename
	FROM queue ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	var refs []*models.LectureRef
	for rows.Next() {
		var ref models.LectureRef
		var meta, date sql.NullString
		if err := rows.Scan(&ref.ID, &ref.PageURL, &meta, &date, &ref.Filename); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		ref.Meta = meta.String
		if date.Valid {
			if d, perr := time.Parse("2006-01-02", date.String); perr == nil {
				ref.Date = &d
			}
		}
		refs = append(refs, &ref)
	}
	return refs, rows.Err()
}

// CreateTask creates a new download task record
func (db *DB) CreateTask(task *models.DownloadTask) error {
	result, err := db.conn.Exec(`
	INSERT INTO downloads (
		lecture_id, filename, primary_url, fallback_url, status,
		downloaded_bytes, total_bytes, speed, error_message,
		created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.LectureID, task.Filename, task.PrimaryURL, task.FallbackURL,
		task.Status, task.DownloadedBytes, task.TotalBytes, task.Speed,
		task.ErrorMessage, task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	task.ID = id
	return nil
}

// UpdateTask updates an existing download task record
func (db *DB) UpdateTask(task *models.DownloadTask) error {
	_, err := db.conn.Exec(`
	UPDATE downloads SET
		status = ?, downloaded_bytes = ?, total_bytes = ?, speed = ?,
		error_message = ?, updated_at = ?, completed_at = ?
	WHERE id = ?
	`,
		task.Status, task.DownloadedBytes, task.TotalBytes, task.Speed,
		task.ErrorMessage, task.UpdatedAt, task.CompletedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// RecentTasks returns the most recent task records, newest last.
func (db *DB) RecentTasks(limit int) ([]*models.DownloadTask, error) {
	rows, err := db.conn.Query(`
	SELECT id, lecture_id, filename, primary_url, fallback_url, status,
		   downloaded_bytes, total_bytes, speed, error_message,
		   created_at, updated_at, completed_at
	FROM downloads ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.DownloadTask
	for rows.Next() {
		var task models.DownloadTask
		var fallback, errMsg sql.NullString
		if err := rows.Scan(
			&task.ID, &task.LectureID, &task.Filename, &task.PrimaryURL,
			&fallback, &task.Status, &task.DownloadedBytes, &task.TotalBytes,
			&task.Speed, &errMsg, &task.CreatedAt, &task.UpdatedAt,
			&task.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task.FallbackURL = fallback.String
		task.ErrorMessage = errMsg.String
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into oldest-first order for display
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks, nil
}

// FailInterruptedTasks marks tasks left in a non-terminal state by a previous
// run as failed. The queue rows still exist, so the lectures are retried
// from scratch on startup.
func (db *DB) FailInterruptedTasks() (int64, error) {
	now := time.Now()
	result, err := db.conn.Exec(`
	UPDATE downloads SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
	WHERE status NOT IN (?, ?)
	`, models.StatusFailed, "interrupted by shutdown", now, now,
		models.StatusDone, models.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted tasks: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOldTasks removes task history older than the retention window.
func (db *DB) DeleteOldTasks(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	_, err := db.conn.Exec(`
	DELETE FROM downloads WHERE created_at < ? AND status IN (?, ?)
	`, cutoff, models.StatusDone, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to delete old tasks: %w", err)
	}
	return nil
}
