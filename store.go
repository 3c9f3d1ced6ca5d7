package driftline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// storeSchemaVersion is the current on-disk schema version. Bump together
// with a migration step in migrate().
const storeSchemaVersion = 2

// Mutation row states.
const (
	mutationStatePending = "pending"
	mutationStateParked  = "parked"
	mutationStateDead    = "dead"
)

// SyncStore is the local durable store backing the mutation queue, change
// cursors, record cache, parked conflicts, and the audit chain. All engine
// state that must survive a process restart lives here.
//
// Payloads are JSON-encoded, optionally snappy-compressed, and optionally
// encrypted. The same StoreConfig and EncryptionConfig must be used across
// restarts for an existing database file.
type SyncStore struct {
	db        *sql.DB
	config    StoreConfig
	encryptor *Encryptor
	mu        sync.RWMutex
	closed    bool

	insertMutation *sql.Stmt
	updateMutation *sql.Stmt
	deleteMutation *sql.Stmt
	selectByState  *sql.Stmt
	upsertCursor   *sql.Stmt
	upsertRecord   *sql.Stmt
	selectRecord   *sql.Stmt
	insertAudit    *sql.Stmt
}

type storedMutation struct {
	Seq      int64
	Mutation *PendingMutation
	Remote   *Record
}

type storedAuditEntry struct {
	Seq      int64
	OpID     string
	Entry    *ConflictLogEntry
	Hash     string
	PrevHash string
}

// NewSyncStore opens or creates the local store.
func NewSyncStore(config StoreConfig, enc *EncryptionConfig) (*SyncStore, error) {
	if config.Path == "" {
		return nil, errors.New("store path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)

	s := &SyncStore{db: db, config: config}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sync store: %w", err)
	}
	if err := s.initEncryption(enc); err != nil {
		db.Close()
		return nil, fmt.Errorf("init encryption: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *SyncStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = 0
	} else if err != nil {
		return err
	}

	if version > storeSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", version, storeSchemaVersion)
	}

	if version < 1 {
		schema := `
			CREATE TABLE IF NOT EXISTS mutations (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				record_id TEXT NOT NULL,
				record_type TEXT NOT NULL,
				state TEXT NOT NULL,
				payload BLOB NOT NULL,
				remote_payload BLOB,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_mutations_state ON mutations(state, seq);
			CREATE INDEX IF NOT EXISTS idx_mutations_record ON mutations(record_id);

			CREATE TABLE IF NOT EXISTS cursors (
				record_type TEXT NOT NULL,
				partition TEXT NOT NULL,
				token TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (record_type, partition)
			);

			CREATE TABLE IF NOT EXISTS records (
				record_id TEXT PRIMARY KEY,
				record_type TEXT NOT NULL,
				version TEXT NOT NULL,
				deleted INTEGER NOT NULL DEFAULT 0,
				payload BLOB NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_records_type ON records(record_type);

			CREATE TABLE IF NOT EXISTS audit (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				op_id TEXT NOT NULL UNIQUE,
				payload BLOB NOT NULL,
				hash TEXT NOT NULL,
				prev_hash TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);
		`
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}

	if version < 2 {
		// Holds the PBKDF2 salt for password-derived encryption keys, so a
		// reopened store derives the same key it sealed payloads with.
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS encryption_info (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				salt BLOB NOT NULL
			)`)
		if err != nil {
			return err
		}
	}

	if version == 0 {
		_, err = s.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, storeSchemaVersion)
	} else if version != storeSchemaVersion {
		_, err = s.db.Exec(`UPDATE schema_info SET version = ?`, storeSchemaVersion)
	}
	return err
}

// initEncryption builds the payload encryptor. In password mode the
// key-derivation salt is persisted on first open and reused on every reopen,
// so payloads sealed before a restart remain decryptable.
func (s *SyncStore) initEncryption(enc *EncryptionConfig) error {
	if enc == nil || !enc.Enabled {
		return nil
	}
	if len(enc.Key) > 0 || enc.KeyPassword == "" {
		e, err := NewEncryptor(enc)
		if err != nil {
			return err
		}
		s.encryptor = e
		return nil
	}

	var salt []byte
	err := s.db.QueryRow(`SELECT salt FROM encryption_info WHERE id = 1`).Scan(&salt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e, err := NewEncryptor(enc)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT INTO encryption_info (id, salt) VALUES (1, ?)`, e.Salt()); err != nil {
			return err
		}
		s.encryptor = e
	case err != nil:
		return err
	default:
		e, err := NewEncryptorWithSalt(enc.KeyPassword, salt)
		if err != nil {
			return err
		}
		s.encryptor = e
	}
	return nil
}

func (s *SyncStore) prepareStatements() error {
	var err error

	s.insertMutation, err = s.db.Prepare(`
		INSERT INTO mutations (record_id, record_type, state, payload, remote_payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.updateMutation, err = s.db.Prepare(`
		UPDATE mutations SET record_id = ?, state = ?, payload = ?, remote_payload = ?, updated_at = ? WHERE seq = ?
	`)
	if err != nil {
		return err
	}
	s.deleteMutation, err = s.db.Prepare(`DELETE FROM mutations WHERE seq = ?`)
	if err != nil {
		return err
	}
	s.selectByState, err = s.db.Prepare(`
		SELECT seq, payload, remote_payload FROM mutations WHERE state = ? ORDER BY seq
	`)
	if err != nil {
		return err
	}
	s.upsertCursor, err = s.db.Prepare(`
		INSERT INTO cursors (record_type, partition, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(record_type, partition) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	s.upsertRecord, err = s.db.Prepare(`
		INSERT INTO records (record_id, record_type, version, deleted, payload, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			record_type = excluded.record_type,
			version = excluded.version,
			deleted = excluded.deleted,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	s.selectRecord, err = s.db.Prepare(`SELECT payload FROM records WHERE record_id = ?`)
	if err != nil {
		return err
	}
	s.insertAudit, err = s.db.Prepare(`
		INSERT OR IGNORE INTO audit (op_id, payload, hash, prev_hash, created_at) VALUES (?, ?, ?, ?, ?)
	`)
	return err
}

func (s *SyncStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// encodePayload serializes a value for durable storage.
func (s *SyncStore) encodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if s.config.CompressPayloads {
		data = snappy.Encode(nil, data)
	}
	if s.encryptor != nil {
		data, err = s.encryptor.Encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
	}
	return data, nil
}

// decodePayload reverses encodePayload.
func (s *SyncStore) decodePayload(data []byte, v any) error {
	var err error
	if s.encryptor != nil {
		data, err = s.encryptor.Decrypt(data)
		if err != nil {
			return fmt.Errorf("decrypt payload: %w", err)
		}
	}
	if s.config.CompressPayloads {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("decompress payload: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// InsertMutation persists a new mutation row and returns its sequence number.
func (s *SyncStore) InsertMutation(m *PendingMutation, state string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	payload, err := s.encodePayload(m)
	if err != nil {
		return 0, err
	}
	res, err := s.insertMutation.Exec(m.ID, m.RecordType, state, payload, nil, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert mutation: %w", err)
	}
	return res.LastInsertId()
}

// UpdateMutation rewrites a mutation row in place, optionally attaching the
// remote snapshot observed when the mutation was parked.
func (s *SyncStore) UpdateMutation(seq int64, m *PendingMutation, state string, remote *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := s.encodePayload(m)
	if err != nil {
		return err
	}
	var remotePayload []byte
	if remote != nil {
		remotePayload, err = s.encodePayload(remote)
		if err != nil {
			return err
		}
	}
	if _, err := s.updateMutation.Exec(m.ID, state, payload, remotePayload, time.Now().UnixNano(), seq); err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	return nil
}

// DeleteMutation removes a mutation row.
func (s *SyncStore) DeleteMutation(seq int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteMutation.Exec(seq); err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	return nil
}

// LoadMutations returns all mutation rows in the given state in insertion
// order.
func (s *SyncStore) LoadMutations(state string) ([]storedMutation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.selectByState.Query(state)
	if err != nil {
		return nil, fmt.Errorf("load mutations: %w", err)
	}
	defer rows.Close()

	var out []storedMutation
	for rows.Next() {
		var seq int64
		var payload, remotePayload []byte
		if err := rows.Scan(&seq, &payload, &remotePayload); err != nil {
			return nil, err
		}
		var m PendingMutation
		if err := s.decodePayload(payload, &m); err != nil {
			return nil, err
		}
		sm := storedMutation{Seq: seq, Mutation: &m}
		if len(remotePayload) > 0 {
			var rec Record
			if err := s.decodePayload(remotePayload, &rec); err != nil {
				return nil, err
			}
			sm.Remote = &rec
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SaveCursor upserts a change cursor.
func (s *SyncStore) SaveCursor(c ChangeCursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.upsertCursor.Exec(c.RecordType, c.Partition, c.Token, c.UpdatedAt); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// LoadCursors returns all persisted change cursors.
func (s *SyncStore) LoadCursors() ([]ChangeCursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT record_type, partition, token, updated_at FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	defer rows.Close()

	var out []ChangeCursor
	for rows.Next() {
		var c ChangeCursor
		if err := rows.Scan(&c.RecordType, &c.Partition, &c.Token, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveLocalRecord upserts the cached copy of a record.
func (s *SyncStore) SaveLocalRecord(rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := s.encodePayload(rec)
	if err != nil {
		return err
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	if _, err := s.upsertRecord.Exec(rec.ID, rec.Type, rec.Version, deleted, payload, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// LoadLocalRecord returns the cached copy of a record, or nil when absent.
func (s *SyncStore) LoadLocalRecord(id string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.selectRecord.QueryRow(id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	var rec Record
	if err := s.decodePayload(payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertAuditEntry appends an audit entry keyed by its operation id.
// Reinsertion of an existing op id is a no-op, which makes retried merges
// idempotent. Returns whether the row was inserted and its sequence number.
func (s *SyncStore) InsertAuditEntry(entry *ConflictLogEntry, hash, prevHash string) (bool, int64, error) {
	if err := s.checkOpen(); err != nil {
		return false, 0, err
	}
	payload, err := s.encodePayload(entry)
	if err != nil {
		return false, 0, err
	}
	res, err := s.insertAudit.Exec(entry.OpID, payload, hash, prevHash, time.Now().UnixNano())
	if err != nil {
		return false, 0, fmt.Errorf("insert audit entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if affected == 0 {
		return false, 0, nil
	}
	seq, err := res.LastInsertId()
	return true, seq, err
}

// LoadAuditEntries returns audit rows with seq greater than since, in chain
// order, up to limit rows (0 means no limit).
func (s *SyncStore) LoadAuditEntries(since int64, limit int) ([]storedAuditEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT seq, op_id, payload, hash, prev_hash FROM audit WHERE seq > ? ORDER BY seq`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	defer rows.Close()

	var out []storedAuditEntry
	for rows.Next() {
		var e storedAuditEntry
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.OpID, &payload, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		var entry ConflictLogEntry
		if err := s.decodePayload(payload, &entry); err != nil {
			return nil, err
		}
		e.Entry = &entry
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditTail returns the seq and hash of the newest audit row, or zero values
// when the chain is empty.
func (s *SyncStore) AuditTail() (int64, string, error) {
	if err := s.checkOpen(); err != nil {
		return 0, "", err
	}
	var seq int64
	var hash string
	err := s.db.QueryRow(`SELECT seq, hash FROM audit ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash, nil
}

// Vacuum performs database maintenance.
func (s *SyncStore) Vacuum(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases store resources.
func (s *SyncStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.insertMutation, s.updateMutation, s.deleteMutation, s.selectByState,
		s.upsertCursor, s.upsertRecord, s.selectRecord, s.insertAudit,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
