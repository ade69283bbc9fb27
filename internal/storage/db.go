// Package storage keeps the call mailbox in a SQLite database so two peer
// processes on one host can share it through the file.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/util"

	_ "modernc.org/sqlite"
)

// PollInterval bounds how stale a watch can be when file notifications are
// unavailable or missed.
const PollInterval = 250 * time.Millisecond

// Store is a mailbox.Store over SQLite.
type Store struct {
	db   *sql.DB
	path string

	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every observed change
}

// Compile-time interface checks.
var (
	_ mailbox.Store  = (*Store)(nil)
	_ mailbox.Lister = (*Store)(nil)
)

// Open opens or creates the mailbox database at path.
func Open(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, errors.Wrap(err, "create database dir")
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// One connection keeps the pragmas below in effect for every query.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure database")
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id           TEXT PRIMARY KEY,
			offer_type        TEXT,
			offer_sdp         TEXT,
			offer_created_at  INTEGER DEFAULT 0,
			offer_generation  INTEGER DEFAULT 0,
			answer_type       TEXT,
			answer_sdp        TEXT,
			answer_created_at INTEGER DEFAULT 0,
			answer_generation INTEGER DEFAULT 0,
			updated_at        INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create calls table")
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candidates (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			call_id    TEXT NOT NULL,
			candidate  TEXT NOT NULL,
			from_user  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (call_id, from_user, candidate)
		);
		CREATE INDEX IF NOT EXISTS candidates_call ON candidates (call_id, seq);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create candidates table")
	}

	s := &Store{
		db:      db,
		path:    abs,
		closed:  make(chan struct{}),
		changed: make(chan struct{}),
	}

	// Writes from another process show up as events on the database or
	// its WAL file. Without a watcher the poll interval still applies.
	if watcher, err := fsnotify.NewWatcher(); err != nil {
		util.LogWarning("sqlite mailbox: file watching unavailable: %v", err)
	} else if err := watcher.Add(filepath.Dir(abs)); err != nil {
		util.LogWarning("sqlite mailbox: watch %s: %v", filepath.Dir(abs), err)
		watcher.Close()
	} else {
		s.watcher = watcher
		go s.watchLoop()
	}

	return s, nil
}

// Path returns the absolute database path.
func (s *Store) Path() string { return s.path }

// Close stops the file watcher and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.watcher != nil {
			s.watcher.Close()
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) watchLoop() {
	base := filepath.Base(s.path)
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// data.db, data.db-wal and data.db-shm all count.
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, base) && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.notify()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			util.LogWarning("sqlite mailbox: watcher error: %v", err)
		}
	}
}

// notify wakes every watch goroutine.
func (s *Store) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Store) changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// ---------------------------------------------------------------------------
// Call record
// ---------------------------------------------------------------------------

func (s *Store) Get(ctx context.Context, callID string) (*mailbox.CallSession, error) {
	session, _, err := s.get(ctx, callID)
	return session, err
}

func (s *Store) get(ctx context.Context, callID string) (*mailbox.CallSession, int64, error) {
	var (
		offerType, offerSDP, answerType, answerSDP sql.NullString
		offerAt, answerAt, updatedAt               int64
		offerGen, answerGen                        int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT offer_type, offer_sdp, offer_created_at, offer_generation,
		       answer_type, answer_sdp, answer_created_at, answer_generation,
		       updated_at
		FROM calls WHERE call_id = ?`, callID).
		Scan(&offerType, &offerSDP, &offerAt, &offerGen,
			&answerType, &answerSDP, &answerAt, &answerGen, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, mailbox.ErrNotFound
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "get call %s", callID)
	}

	session := &mailbox.CallSession{
		CallID:           callID,
		OfferGeneration:  offerGen,
		AnswerGeneration: answerGen,
	}
	if offerType.Valid {
		session.Offer = &mailbox.Description{Type: offerType.String, SDP: offerSDP.String}
		session.OfferCreatedAt = time.Unix(0, offerAt)
	}
	if answerType.Valid {
		session.Answer = &mailbox.Description{Type: answerType.String, SDP: answerSDP.String}
		session.AnswerCreatedAt = time.Unix(0, answerAt)
	}
	return session, updatedAt, nil
}

func (s *Store) SetOffer(ctx context.Context, callID string, d mailbox.Description, generation int) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, offer_type, offer_sdp, offer_created_at, offer_generation, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			offer_type = excluded.offer_type,
			offer_sdp = excluded.offer_sdp,
			offer_created_at = excluded.offer_created_at,
			offer_generation = excluded.offer_generation,
			updated_at = excluded.updated_at`,
		callID, d.Type, d.SDP, now, generation, now)
	if err != nil {
		return errors.Wrapf(err, "set offer for %s", callID)
	}
	s.notify()
	return nil
}

func (s *Store) SetAnswer(ctx context.Context, callID string, d mailbox.Description, generation int) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, answer_type, answer_sdp, answer_created_at, answer_generation, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			answer_type = excluded.answer_type,
			answer_sdp = excluded.answer_sdp,
			answer_created_at = excluded.answer_created_at,
			answer_generation = excluded.answer_generation,
			updated_at = excluded.updated_at`,
		callID, d.Type, d.SDP, now, generation, now)
	if err != nil {
		return errors.Wrapf(err, "set answer for %s", callID)
	}
	s.notify()
	return nil
}

// Watch polls the record whenever a change is signalled and delivers it when
// its update stamp moves.
func (s *Store) Watch(ctx context.Context, callID string) (<-chan *mailbox.CallSession, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	feed := mailbox.NewFeed[*mailbox.CallSession]()
	go s.poll(ctx, feed.Done(), feed.Close, func(last int64) int64 {
		session, updated, err := s.get(ctx, callID)
		switch {
		case errors.Is(err, mailbox.ErrNotFound):
			return 0
		case err != nil:
			if ctx.Err() == nil {
				util.LogDebug("sqlite mailbox: %v", err)
			}
			return last
		case updated != last:
			feed.Push(session)
		}
		return updated
	})
	return feed.C(), feed.Close, nil
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func (s *Store) AddCandidate(ctx context.Context, callID string, rec mailbox.CandidateRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO candidates (id, call_id, candidate, from_user, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, callID, rec.Candidate, rec.FromUser, time.Now().UnixNano())
	if err != nil {
		return errors.Wrapf(err, "add candidate to %s", callID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mailbox.ErrAlreadyExists
	}
	s.notify()
	return nil
}

func (s *Store) HasCandidate(ctx context.Context, callID, fromUser, candidate string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candidates
		WHERE call_id = ? AND from_user = ? AND candidate = ?`,
		callID, fromUser, candidate).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "query candidates of %s", callID)
	}
	return n > 0, nil
}

func (s *Store) ListCandidates(ctx context.Context, callID string) ([]mailbox.CandidateRecord, error) {
	out, _, err := s.candidatesAfter(ctx, callID, 0)
	return out, err
}

func (s *Store) candidatesAfter(ctx context.Context, callID string, after int64) ([]mailbox.CandidateRecord, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, candidate, from_user, created_at FROM candidates
		WHERE call_id = ? AND seq > ? ORDER BY seq`, callID, after)
	if err != nil {
		return nil, after, errors.Wrapf(err, "list candidates of %s", callID)
	}
	defer rows.Close()

	var out []mailbox.CandidateRecord
	last := after
	for rows.Next() {
		var (
			rec     mailbox.CandidateRecord
			created int64
		)
		if err := rows.Scan(&last, &rec.ID, &rec.Candidate, &rec.FromUser, &created); err != nil {
			return nil, after, errors.Wrap(err, "scan candidate")
		}
		rec.Timestamp = time.Unix(0, created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, after, errors.Wrap(err, "iterate candidates")
	}
	return out, last, nil
}

func (s *Store) WatchCandidates(ctx context.Context, callID string) (<-chan mailbox.CandidateRecord, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	feed := mailbox.NewFeed[mailbox.CandidateRecord]()
	go s.poll(ctx, feed.Done(), feed.Close, func(last int64) int64 {
		recs, next, err := s.candidatesAfter(ctx, callID, last)
		if err != nil {
			if ctx.Err() == nil {
				util.LogDebug("sqlite mailbox: %v", err)
			}
			return last
		}
		for _, rec := range recs {
			feed.Push(rec)
		}
		return next
	})
	return feed.C(), feed.Close, nil
}

func (s *Store) Delete(ctx context.Context, callID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE call_id = ?`, callID); err != nil {
		return errors.Wrapf(err, "delete candidates of %s", callID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE call_id = ?`, callID); err != nil {
		return errors.Wrapf(err, "delete call %s", callID)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit delete")
	}
	s.notify()
	return nil
}

// poll runs check once immediately and again on every change signal or
// poll tick, until ctx ends, done closes or the store is closed. check
// receives the cursor it returned last time.
func (s *Store) poll(ctx context.Context, done <-chan struct{}, stop func(), check func(last int64) int64) {
	defer stop()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var cursor int64
	for {
		changed := s.changes()
		cursor = check(cursor)

		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-s.closed:
			return
		}
	}
}
