// Package records persists session summaries, council verdicts and alert
// deliveries so a patient's history survives the session.
package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/straja-ai/triage/internal/triage"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	room_name   TEXT PRIMARY KEY,
	subject_id  TEXT NOT NULL,
	location    TEXT NOT NULL,
	hardware_id TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	final_state TEXT NOT NULL DEFAULT '',
	turns       INTEGER NOT NULL DEFAULT 0,
	alerted     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sessions_subject ON sessions(subject_id);

CREATE TABLE IF NOT EXISTS verdicts (
	trace_id    TEXT PRIMARY KEY,
	room_name   TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	urgency     TEXT NOT NULL,
	confidence  REAL NOT NULL,
	rule        TEXT NOT NULL,
	response    TEXT NOT NULL,
	votes       TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS verdicts_subject ON verdicts(subject_id);

CREATE TABLE IF NOT EXISTS alerts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id    TEXT NOT NULL,
	room_name   TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	contact     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	reference   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_subject ON alerts(subject_id);
`

// Session is the persisted summary of one triage session.
type Session struct {
	RoomName   string     `json:"room_name"`
	SubjectID  string     `json:"subject_id"`
	Location   string     `json:"location"`
	HardwareID string     `json:"hardware_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	Turns      int        `json:"turns"`
	Alerted    bool       `json:"alerted"`
}

type Verdict struct {
	RoomName  string         `json:"room_name"`
	SubjectID string         `json:"subject_id"`
	Verdict   triage.Verdict `json:"verdict"`
	CreatedAt time.Time      `json:"created_at"`
}

type History struct {
	SubjectID string               `json:"subject_id"`
	Sessions  []Session            `json:"sessions"`
	Verdicts  []Verdict            `json:"verdicts"`
	Alerts    []triage.AlertRecord `json:"alerts"`
}

// Store is a SQLite-backed record store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or replaces a session summary.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	var ended sql.NullInt64
	if sess.EndedAt != nil {
		ended = sql.NullInt64{Int64: sess.EndedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (room_name, subject_id, location, hardware_id, started_at, ended_at, final_state, turns, alerted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_name) DO UPDATE SET
			ended_at = excluded.ended_at,
			final_state = excluded.final_state,
			turns = excluded.turns,
			alerted = excluded.alerted
	`, sess.RoomName, sess.SubjectID, sess.Location, sess.HardwareID, sess.StartedAt.UnixMilli(), ended,
		sess.FinalState, sess.Turns, boolToInt(sess.Alerted))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SaveVerdict stores a council verdict. A trace id is stored at most once.
func (s *Store) SaveVerdict(ctx context.Context, roomName, subjectID string, v triage.Verdict) error {
	votes, err := json.Marshal(v.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO verdicts (trace_id, room_name, subject_id, urgency, confidence, rule, response, votes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.TraceID, roomName, subjectID, string(v.Urgency), v.Confidence, string(v.Rule), v.Response, string(votes), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	return nil
}

// SaveAlerts appends delivery records.
func (s *Store) SaveAlerts(ctx context.Context, roomName, subjectID string, recs []triage.AlertRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alerts (trace_id, room_name, subject_id, contact, kind, status, error, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.TraceID, roomName, subjectID, r.Contact, string(r.Kind), string(r.Status),
			r.Error, r.Reference, r.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("save alert: %w", err)
		}
	}
	return tx.Commit()
}

// SessionHistory returns everything recorded for a subject, oldest first.
func (s *Store) SessionHistory(ctx context.Context, subjectID string) (History, error) {
	h := History{SubjectID: subjectID}

	rows, err := s.db.QueryContext(ctx, `
		SELECT room_name, subject_id, location, hardware_id, started_at, ended_at, final_state, turns, alerted
		FROM sessions
		WHERE subject_id = ?
		ORDER BY started_at ASC
	`, subjectID)
	if err != nil {
		return h, fmt.Errorf("query sessions: %w", err)
	}
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		var alerted int
		if err := rows.Scan(&sess.RoomName, &sess.SubjectID, &sess.Location, &sess.HardwareID, &started, &ended,
			&sess.FinalState, &sess.Turns, &alerted); err != nil {
			rows.Close()
			return h, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			t := time.UnixMilli(ended.Int64).UTC()
			sess.EndedAt = &t
		}
		sess.Alerted = alerted != 0
		h.Sessions = append(h.Sessions, sess)
	}
	if err := closeRows(rows); err != nil {
		return h, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT trace_id, room_name, subject_id, urgency, confidence, rule, response, votes, created_at
		FROM verdicts
		WHERE subject_id = ?
		ORDER BY created_at ASC
	`, subjectID)
	if err != nil {
		return h, fmt.Errorf("query verdicts: %w", err)
	}
	for rows.Next() {
		var v Verdict
		var urgency, rule, votes string
		var created int64
		if err := rows.Scan(&v.Verdict.TraceID, &v.RoomName, &v.SubjectID, &urgency, &v.Verdict.Confidence, &rule,
			&v.Verdict.Response, &votes, &created); err != nil {
			rows.Close()
			return h, fmt.Errorf("scan verdict: %w", err)
		}
		v.Verdict.Urgency = triage.Urgency(urgency)
		v.Verdict.Rule = triage.Rule(rule)
		if err := json.Unmarshal([]byte(votes), &v.Verdict.Votes); err != nil {
			rows.Close()
			return h, fmt.Errorf("decode votes: %w", err)
		}
		for id, vote := range v.Verdict.Votes {
			vote.AssessorID = id
			v.Verdict.Votes[id] = vote
		}
		v.CreatedAt = time.UnixMilli(created).UTC()
		h.Verdicts = append(h.Verdicts, v)
	}
	if err := closeRows(rows); err != nil {
		return h, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT trace_id, contact, kind, status, error, reference, created_at
		FROM alerts
		WHERE subject_id = ?
		ORDER BY id ASC
	`, subjectID)
	if err != nil {
		return h, fmt.Errorf("query alerts: %w", err)
	}
	for rows.Next() {
		var r triage.AlertRecord
		var kind, status string
		var created int64
		if err := rows.Scan(&r.TraceID, &r.Contact, &kind, &status, &r.Error, &r.Reference, &created); err != nil {
			rows.Close()
			return h, fmt.Errorf("scan alert: %w", err)
		}
		r.Kind = triage.AlertKind(kind)
		r.Status = triage.DeliveryStatus(status)
		r.Timestamp = time.UnixMilli(created).UTC()
		h.Alerts = append(h.Alerts, r)
	}
	return h, closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	rows.Close()
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
