package directory

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is a SQLite-backed call directory for one peer.
type DB struct {
	db   *sql.DB
	path string

	mu sync.Mutex
	// Incoming-call listeners keyed by the local identity they watch.
	incoming map[string]map[chan *Call]struct{}
	// Status-change listeners keyed by call ID.
	status map[string]map[chan *Call]struct{}
}

// Open opens or creates the call database at dbPath.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open call database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure call database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id               TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			recipient_id     TEXT NOT NULL,
			call_type        TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       INTEGER NOT NULL,
			answered_at      INTEGER,
			ended_at         INTEGER,
			duration_seconds INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_recipient ON calls(recipient_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, started_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{
		db:       db,
		path:     dbPath,
		incoming: make(map[string]map[chan *Call]struct{}),
		status:   make(map[string]map[chan *Call]struct{}),
	}, nil
}

// CreateCall inserts a new ringing call record and notifies any incoming
// listeners registered for the recipient.
func (d *DB) CreateCall(ctx context.Context, callerID, recipientID string, ct CallType) (*Call, error) {
	call := &Call{
		ID:          uuid.NewString(),
		CallerID:    callerID,
		RecipientID: recipientID,
		CallType:    ct,
		Status:      StatusRinging,
		StartedAt:   time.Now(),
	}
	if err := d.insert(ctx, call); err != nil {
		return nil, err
	}
	d.notifyIncoming(call)
	return call.Clone(), nil
}

// Ingest stores a call record created by a remote party (delivered via the
// invite announcement topic). A record already known is ignored — duplicate
// invites must not re-ring.
func (d *DB) Ingest(ctx context.Context, call *Call) error {
	if call == nil || call.ID == "" {
		return fmt.Errorf("ingest: invalid call record")
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO calls
			(id, caller_id, recipient_id, call_type, status, started_at, answered_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.CallerID, call.RecipientID, string(call.CallType), string(call.Status),
		call.StartedAt.UnixMilli(), toMillis(call.AnsweredAt), toMillis(call.EndedAt), call.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("ingest call %s: %w", call.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already known
	}
	if call.Status == StatusRinging {
		d.notifyIncoming(call)
	}
	return nil
}

// UpdateCallStatus applies a status transition. Transitions out of a terminal
// status are dropped silently — both sides may race to finish the same call
// and only the first write wins.
func (d *DB) UpdateCallStatus(ctx context.Context, id string, upd StatusUpdate) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE calls SET
			status = ?,
			answered_at = COALESCE(?, answered_at),
			ended_at = COALESCE(?, ended_at),
			duration_seconds = CASE WHEN ? > 0 THEN ? ELSE duration_seconds END
		WHERE id = ? AND status NOT IN ('ended', 'rejected', 'missed')`,
		string(upd.Status), toMillis(upd.AnsweredAt), toMillis(upd.EndedAt),
		upd.DurationSeconds, upd.DurationSeconds, id,
	)
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		log.Printf("DIR: status %s for call %s dropped (unknown or already terminal)", upd.Status, id)
		return nil
	}

	call, err := d.GetCall(ctx, id)
	if err != nil {
		return nil
	}
	d.notifyStatus(call)
	return nil
}

// GetCall fetches one call record.
func (d *DB) GetCall(ctx context.Context, id string) (*Call, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, caller_id, recipient_id, call_type, status,
		       started_at, answered_at, ended_at, duration_seconds
		FROM calls WHERE id = ?`, id)
	return scanCall(row)
}

// ListRecent returns the newest calls involving localID, most recent first.
func (d *DB) ListRecent(ctx context.Context, localID string, limit int) ([]*Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, caller_id, recipient_id, call_type, status,
		       started_at, answered_at, ended_at, duration_seconds
		FROM calls
		WHERE caller_id = ? OR recipient_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, localID, localID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SubscribeIncoming returns a channel yielding newly created ringing calls
// addressed to localID. Cancel guarantees no further deliveries.
func (d *DB) SubscribeIncoming(localID string) (<-chan *Call, func()) {
	ch := make(chan *Call, 16)

	d.mu.Lock()
	set := d.incoming[localID]
	if set == nil {
		set = make(map[chan *Call]struct{})
		d.incoming[localID] = set
	}
	set[ch] = struct{}{}
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if set, ok := d.incoming[localID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(d.incoming, localID)
			}
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeStatus returns a channel yielding status changes for one call.
// The lifecycle manager uses this to observe externally applied missed/ended
// transitions on a ringing call.
func (d *DB) SubscribeStatus(callID string) (<-chan *Call, func()) {
	ch := make(chan *Call, 16)

	d.mu.Lock()
	set := d.status[callID]
	if set == nil {
		set = make(map[chan *Call]struct{})
		d.status[callID] = set
	}
	set[ch] = struct{}{}
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if set, ok := d.status[callID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(d.status, callID)
			}
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

// Close closes the underlying database. Open subscriptions are left to their
// cancel functions.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) insert(ctx context.Context, call *Call) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO calls
			(id, caller_id, recipient_id, call_type, status, started_at, answered_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.CallerID, call.RecipientID, string(call.CallType), string(call.Status),
		call.StartedAt.UnixMilli(), toMillis(call.AnsweredAt), toMillis(call.EndedAt), call.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", call.ID, err)
	}
	return nil
}

func (d *DB) notifyIncoming(call *Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.incoming[call.RecipientID] {
		select {
		case ch <- call.Clone():
		default:
			log.Printf("DIR: incoming listener full, dropping call %s", call.ID)
		}
	}
}

func (d *DB) notifyStatus(call *Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.status[call.ID] {
		select {
		case ch <- call.Clone():
		default:
			log.Printf("DIR: status listener full, dropping update for %s", call.ID)
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	var (
		c                  Call
		ct, st             string
		started            int64
		answered, endedRaw sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.CallerID, &c.RecipientID, &ct, &st,
		&started, &answered, &endedRaw, &c.DurationSeconds)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	c.CallType = CallType(ct)
	c.Status = CallStatus(st)
	c.StartedAt = time.UnixMilli(started)
	if answered.Valid {
		t := time.UnixMilli(answered.Int64)
		c.AnsweredAt = &t
	}
	if endedRaw.Valid {
		t := time.UnixMilli(endedRaw.Int64)
		c.EndedAt = &t
	}
	return &c, nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
