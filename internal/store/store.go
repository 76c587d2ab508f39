// Package store is the durable message table: save, update state, load
// pending rows per target session on startup, and hand out sequence ids.
// Backed by an embedded SQLite database via mattn/go-sqlite3.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	gwerrors "github.com/alxayo/fcm-gateway/internal/errors"
	"github.com/alxayo/fcm-gateway/internal/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	sequence_id       INTEGER PRIMARY KEY,
	entered_at        INTEGER NOT NULL,
	last_update_at    INTEGER NOT NULL,
	source_session_id TEXT NOT NULL,
	target_session_id TEXT NOT NULL,
	type              TEXT NOT NULL,
	fcm_message_id    TEXT NOT NULL DEFAULT '',
	group_id          TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL,
	payload           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_target_session ON messages(target_session_id);
CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);
`

// Store is the synchronous, single-threaded collaborator described in
// §4.2: all calls are made from the core's single event-loop goroutine.
type Store struct {
	db      *sql.DB
	nextSeq int64 // atomic; seeded at Open from max(sequence_id)+1
}

// Open opens (creating if necessary) the SQLite database at path, applies
// the schema, and seeds the sequence counter from the existing rows.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, gwerrors.NewStoreError("store.open", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, gwerrors.NewStoreError("store.migrate", err)
	}

	s := &Store{db: db}
	if err := s.seedSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) seedSequence() error {
	var max sql.NullInt64
	row := s.db.QueryRow(`SELECT MAX(sequence_id) FROM messages`)
	if err := row.Scan(&max); err != nil {
		return gwerrors.NewStoreError("store.seedSequence", err)
	}
	if max.Valid {
		atomic.StoreInt64(&s.nextSeq, max.Int64+1)
	} else {
		atomic.StoreInt64(&s.nextSeq, 1)
	}
	return nil
}

// NextSequenceID returns the next monotonic sequence id.
func (s *Store) NextSequenceID() int64 {
	return atomic.AddInt64(&s.nextSeq, 1) - 1
}

// Save inserts a new row. Returns a StoreError wrapping
// gwerrors.ErrDuplicateSequence if the sequence id already exists.
func (s *Store) Save(msg *message.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages
			(sequence_id, entered_at, last_update_at, source_session_id,
			 target_session_id, type, fcm_message_id, group_id, state, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SequenceID,
		msg.EnteredAt.UnixMilli(),
		msg.LastUpdateAt.UnixMilli(),
		msg.SourceSessionID,
		msg.TargetSessionID,
		string(msg.Type),
		msg.FcmMessageID,
		msg.GroupID,
		string(msg.State),
		string(msg.Payload),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return gwerrors.NewStoreError("store.save", fmt.Errorf("sequence_id %d: %w", msg.SequenceID, gwerrors.ErrDuplicateSequence))
		}
		return gwerrors.NewStoreError("store.save", err)
	}
	return nil
}

// UpdateState updates the state and last_update_at of an existing row. Must
// succeed on an existing row; a StoreError is returned if no row matched.
func (s *Store) UpdateState(sequenceID int64, newState message.State) error {
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(
		`UPDATE messages SET state = ?, last_update_at = ? WHERE sequence_id = ?`,
		string(newState), now, sequenceID,
	)
	if err != nil {
		return gwerrors.NewStoreError("store.updateState", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gwerrors.NewStoreError("store.updateState", err)
	}
	if n == 0 {
		return gwerrors.NewStoreError("store.updateState", fmt.Errorf("no row for sequence_id %d", sequenceID))
	}
	return nil
}

// LoadPending returns all rows for targetSessionID in state NEW or
// PENDING_ACK, ordered by sequence_id ascending. Called once per endpoint
// at startup.
func (s *Store) LoadPending(targetSessionID string) ([]*message.Message, error) {
	rows, err := s.db.Query(
		`SELECT sequence_id, entered_at, last_update_at, source_session_id,
			target_session_id, type, fcm_message_id, group_id, state, payload
		 FROM messages
		 WHERE target_session_id = ? AND state IN (?, ?)
		 ORDER BY sequence_id ASC`,
		targetSessionID, string(message.StateNew), string(message.StatePendingAck),
	)
	if err != nil {
		return nil, gwerrors.NewStoreError("store.loadPending", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		var (
			seq                     int64
			enteredMs, lastUpdateMs int64
			source, target          string
			typ, fcmID, groupID     string
			state                   string
			payload                 string
		)
		if err := rows.Scan(&seq, &enteredMs, &lastUpdateMs, &source, &target, &typ, &fcmID, &groupID, &state, &payload); err != nil {
			return nil, gwerrors.NewStoreError("store.loadPending", err)
		}
		out = append(out, &message.Message{
			SequenceID:      seq,
			EnteredAt:       time.UnixMilli(enteredMs),
			LastUpdateAt:    time.UnixMilli(lastUpdateMs),
			SourceSessionID: source,
			TargetSessionID: target,
			Type:            message.Type(typ),
			FcmMessageID:    fcmID,
			GroupID:         groupID,
			State:           message.State(state),
			Payload:         []byte(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, gwerrors.NewStoreError("store.loadPending", err)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueConstraintErr detects a SQLite UNIQUE/PRIMARY KEY violation without
// importing the driver's internal error type, keeping this file portable if
// the driver package is swapped.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY must be unique")
}
