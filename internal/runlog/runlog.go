// Package runlog records training runs and served replies in SQLite.
package runlog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  dataset TEXT NOT NULL,
  corpus_hash TEXT,
  device TEXT,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  status TEXT NOT NULL,
  final_checkpoint TEXT
);
CREATE TABLE IF NOT EXISTS epochs (
  run_id TEXT NOT NULL REFERENCES runs(id),
  epoch INTEGER NOT NULL,
  loss REAL NOT NULL,
  teacher_forcing REAL NOT NULL,
  checkpoint TEXT,
  recorded_at TEXT NOT NULL,
  PRIMARY KEY (run_id, epoch)
);
CREATE TABLE IF NOT EXISTS replies (
  id TEXT PRIMARY KEY,
  message TEXT NOT NULL,
  response TEXT NOT NULL,
  source TEXT NOT NULL,
  score REAL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replies_created_at ON replies(created_at);
`

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Log is a run log. The zero value, and the Log returned for an empty path,
// record nothing.
type Log struct {
	db *sql.DB
}

// Open opens or creates the log at path. An empty path disables logging.
func Open(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating run log schema: %w", err)
		}
	}
	return &Log{db: db}, nil
}

// Enabled reports whether anything is being recorded.
func (l *Log) Enabled() bool { return l.db != nil }

// Close releases the database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Run is one training run in the log.
type Run struct {
	ID  string
	log *Log
}

// StartRun records the start of a training run.
func (l *Log) StartRun(model, dataset, corpusHash, device string) (*Run, error) {
	r := &Run{ID: uuid.NewString(), log: l}
	if l.db == nil {
		return r, nil
	}
	_, err := l.db.Exec(`INSERT INTO runs (id, model, dataset, corpus_hash, device, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, model, dataset, corpusHash, device, now(), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	return r, nil
}

// RecordEpoch stores one epoch's loss and schedule.
func (r *Run) RecordEpoch(epoch int, loss, teacherForcing float64, checkpoint string) error {
	if r.log.db == nil {
		return nil
	}
	_, err := r.log.db.Exec(`INSERT OR REPLACE INTO epochs (run_id, epoch, loss, teacher_forcing, checkpoint, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, epoch, loss, teacherForcing, checkpoint, now())
	return err
}

// Finish closes the run with a status and, on success, the final checkpoint.
func (r *Run) Finish(status, finalCheckpoint string) error {
	if r.log.db == nil {
		return nil
	}
	_, err := r.log.db.Exec(`UPDATE runs SET status = ?, finished_at = ?, final_checkpoint = ? WHERE id = ?`,
		status, now(), finalCheckpoint, r.ID)
	return err
}

// RecordReply stores one answered message.
func (l *Log) RecordReply(message, response, source string, score float64) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.Exec(`INSERT INTO replies (id, message, response, source, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), message, response, source, score, now())
	return err
}

// Epoch is a stored epoch row.
type Epoch struct {
	Epoch          int     `json:"epoch"`
	Loss           float64 `json:"loss"`
	TeacherForcing float64 `json:"teacher_forcing"`
	Checkpoint     string  `json:"checkpoint,omitempty"`
}

// Epochs returns the epochs of a run in order.
func (l *Log) Epochs(runID string) ([]Epoch, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.Query(`SELECT epoch, loss, teacher_forcing, COALESCE(checkpoint, '')
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		if err := rows.Scan(&e.Epoch, &e.Loss, &e.TeacherForcing, &e.Checkpoint); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunStatus returns the status and final checkpoint of a run.
func (l *Log) RunStatus(runID string) (status, finalCheckpoint string, err error) {
	if l.db == nil {
		return "", "", nil
	}
	var final sql.NullString
	err = l.db.QueryRow(`SELECT status, final_checkpoint FROM runs WHERE id = ?`, runID).Scan(&status, &final)
	return status, final.String, err
}

// RunInfo is a stored run row.
type RunInfo struct {
	ID              string `json:"id"`
	Model           string `json:"model"`
	Dataset         string `json:"dataset"`
	Device          string `json:"device,omitempty"`
	Status          string `json:"status"`
	StartedAt       string `json:"started_at"`
	FinalCheckpoint string `json:"final_checkpoint,omitempty"`
}

// Runs returns up to limit runs, newest first.
func (l *Log) Runs(limit int) ([]RunInfo, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.Query(`SELECT id, model, dataset, COALESCE(device, ''), status, started_at,
		COALESCE(final_checkpoint, '') FROM runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.ID, &r.Model, &r.Dataset, &r.Device, &r.Status, &r.StartedAt, &r.FinalCheckpoint); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reply is a stored reply row.
type Reply struct {
	Message  string  `json:"message"`
	Response string  `json:"response"`
	Source   string  `json:"source"`
	Score    float64 `json:"score"`
}

// RecentReplies returns up to limit replies, newest first.
func (l *Log) RecentReplies(limit int) ([]Reply, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.Query(`SELECT message, response, source, COALESCE(score, 0)
		FROM replies ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reply
	for rows.Next() {
		var r Reply
		if err := rows.Scan(&r.Message, &r.Response, &r.Source, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string { return time.Now().UTC().Format(timeLayout) }
