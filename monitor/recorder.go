// Package monitor provides sinks for the interpreter's monitoring events: a
// SQLite trace recorder and a log sink.
package monitor

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tycore/vm"
)

var log = commonlog.GetLogger("tycore.monitor")

// ErrSessionNotFound indicates the requested session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	events INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
	session TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	thread INTEGER NOT NULL,
	kind TEXT NOT NULL,
	code TEXT NOT NULL,
	filename TEXT NOT NULL,
	instr INTEGER NOT NULL,
	line INTEGER NOT NULL,
	arg TEXT,
	PRIMARY KEY (session, seq)
);`

// Recorder writes monitoring events to a SQLite trace database. Each
// Recorder is one session; sessions accumulate in the same file.
type Recorder struct {
	db      *sql.DB
	path    string
	session uuid.UUID

	mu     sync.Mutex
	insert *sql.Stmt
	seq    int64
	failed int
}

// SessionInfo describes a recorded session.
type SessionInfo struct {
	ID        uuid.UUID
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	Events    int64
}

// EventRow is one recorded event.
type EventRow struct {
	Seq      int64
	Thread   uint64
	Kind     string
	Code     string
	Filename string
	Offset   int
	Line     int
	Arg      string // repr of the event argument, empty when absent
}

// OpenRecorder opens (creating if needed) the trace database at path and
// starts a new session.
func OpenRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	// One writer connection keeps the session's inserts ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	r := &Recorder{db: db, path: path, session: uuid.New()}
	if _, err := db.Exec("INSERT INTO sessions (id, started_at) VALUES (?, ?)",
		r.session.String(), formatTime(time.Now())); err != nil {
		db.Close()
		return nil, fmt.Errorf("starting session: %w", err)
	}
	r.insert, err = db.Prepare(`INSERT INTO events
		(session, seq, thread, kind, code, filename, instr, line, arg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	log.Infof("recording session %s to %s", r.session, path)
	return r, nil
}

// Session returns the ID of the session this recorder writes.
func (r *Recorder) Session() uuid.UUID { return r.session }

// Attach registers the recorder for events on in and returns the function
// that unregisters it.
func (r *Recorder) Attach(in *vm.Interpreter, events vm.EventSet) func() {
	return in.Monitoring().Register(events, r.handle)
}

// handle never fails the program: write errors are logged and counted.
func (r *Recorder) handle(ev vm.Event) error {
	if err := r.Record(ev); err != nil {
		r.mu.Lock()
		r.failed++
		first := r.failed == 1
		r.mu.Unlock()
		if first {
			log.Warningf("trace write failed: %s", err)
		}
	}
	return nil
}

// Record stores one event.
func (r *Recorder) Record(ev vm.Event) error {
	var thread uint64
	if ev.Thread != nil {
		thread = ev.Thread.ID()
	}
	var code, filename string
	line := 0
	if ev.Code != nil {
		code, filename, line = ev.Code.QualName, ev.Code.Filename, ev.Code.LineFor(ev.Offset)
	}
	var arg sql.NullString
	if ev.Arg != nil {
		arg = sql.NullString{String: vm.Repr(ev.Arg), Valid: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if _, err := r.insert.Exec(r.session.String(), r.seq, int64(thread), ev.Kind.String(),
		code, filename, ev.Offset, line, arg); err != nil {
		r.seq--
		return fmt.Errorf("recording %s: %w", ev.Kind, err)
	}
	return nil
}

// Failed returns the number of events that could not be written.
func (r *Recorder) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Close ends the session and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	_, err := r.db.Exec("UPDATE sessions SET ended_at = ?, events = ? WHERE id = ?",
		formatTime(time.Now()), r.seq, r.session.String())
	r.insert.Close()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	r.db = nil
	log.Infof("session %s closed (%d events)", r.session, r.seq)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reading traces
// ---------------------------------------------------------------------------

// Trace is a read-only view of a trace database.
type Trace struct {
	db *sql.DB
}

// OpenTrace opens an existing trace database for reading.
func OpenTrace(path string) (*Trace, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return &Trace{db: db}, nil
}

// Close closes the database connection.
func (t *Trace) Close() error {
	return t.db.Close()
}

// Sessions lists recorded sessions, oldest first.
func (t *Trace) Sessions() ([]SessionInfo, error) {
	rows, err := t.db.Query("SELECT id, started_at, ended_at, events FROM sessions ORDER BY started_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			id, started string
			ended       sql.NullString
			s           SessionInfo
		)
		if err := rows.Scan(&id, &started, &ended, &s.Events); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("session id %q: %w", id, err)
		}
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("session %s start time: %w", id, err)
		}
		if ended.Valid {
			if s.EndedAt, err = time.Parse(time.RFC3339Nano, ended.String); err != nil {
				return nil, fmt.Errorf("session %s end time: %w", id, err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Events returns the events of a session in recording order.
func (t *Trace) Events(session uuid.UUID) ([]EventRow, error) {
	var n int
	if err := t.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", session.String()).Scan(&n); err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if n == 0 {
		return nil, ErrSessionNotFound
	}

	rows, err := t.db.Query(`SELECT seq, thread, kind, code, filename, instr, line, arg
		FROM events WHERE session = ? ORDER BY seq`, session.String())
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			e      EventRow
			thread int64
			arg    sql.NullString
		)
		if err := rows.Scan(&e.Seq, &thread, &e.Kind, &e.Code, &e.Filename, &e.Offset, &e.Line, &arg); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Thread = uint64(thread)
		e.Arg = arg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
