// Package journal records the traffic between services in a SQLite
// database. A Sink is installed as the tracer of a container.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/xvm/vm"
	"github.com/chazu/xvm/vm/dist"
)

var log = commonlog.GetLogger("xvm.journal")

// ErrClosed is returned by operations on a closed sink.
var ErrClosed = errors.New("journal closed")

// Entry is one recorded envelope.
type Entry struct {
	Seq      int64
	Time     time.Time
	Service  string
	Kind     string
	Envelope *dist.Envelope
}

// SQLiteSink stores every enqueued request and sent response as a CBOR
// envelope row.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.Mutex
	insert *sql.Stmt
	closed bool
}

var _ vm.Tracer = (*SQLiteSink)(nil)

// Open opens or creates the journal database at path.
func Open(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// Writes are serialized by the sink; one connection also keeps
	// ":memory:" databases intact.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS envelopes (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		id      TEXT NOT NULL,
		ts      INTEGER NOT NULL,
		service TEXT NOT NULL,
		kind    TEXT NOT NULL,
		body    BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	insert, err := db.Prepare("INSERT INTO envelopes (id, ts, service, kind, body) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: insert}, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.insert.Close()
	return s.db.Close()
}

// MessageEnqueued implements vm.Tracer.
func (s *SQLiteSink) MessageEnqueued(sc *vm.ServiceContext, req vm.Request) {
	if err := s.Record(dist.RequestEnvelope(sc, req)); err != nil {
		log.Errorf("journal: %s", err)
	}
}

// ResponseSent implements vm.Tracer.
func (s *SQLiteSink) ResponseSent(sc *vm.ServiceContext, resp *vm.Response) {
	if err := s.Record(dist.ResponseEnvelope(sc, resp)); err != nil {
		log.Errorf("journal: %s", err)
	}
}

// Record appends env to the journal.
func (s *SQLiteSink) Record(env *dist.Envelope) error {
	body, err := dist.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("encoding envelope %s: %w", env.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.insert.Exec(env.ID.String(), env.Time.UnixNano(), env.Service, env.Kind, body); err != nil {
		return fmt.Errorf("saving envelope %s: %w", env.ID, err)
	}
	return nil
}

// Entries returns the recorded envelopes of service in order, or of all
// services when service is empty.
func (s *SQLiteSink) Entries(service string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := "SELECT seq, ts, service, kind, body FROM envelopes"
	var args []any
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	rows, err := s.db.Query(query+" ORDER BY seq", args...)
	if err != nil {
		return nil, fmt.Errorf("querying envelopes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   int64
			body []byte
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Service, &e.Kind, &body); err != nil {
			return nil, fmt.Errorf("scanning envelope: %w", err)
		}
		e.Time = time.Unix(0, ts)
		if e.Envelope, err = dist.UnmarshalEnvelope(body); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
