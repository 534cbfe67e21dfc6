package denon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultCommandHistoryLimit = 50
	maxCommandHistoryLimit     = 200

	// timestampFormat is fixed-width so stored timestamps sort as text.
	timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// CommandRecord is one entry of the receiver command audit trail.
type CommandRecord struct {
	CommandID  string         `json:"command_id"`
	ReceiverID string         `json:"receiver_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"`
	Status     AckStatus      `json:"status"`
	ErrorCode  string         `json:"error_code,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SQLiteStateStore persists receiver state and the command audit trail in
// the receiver_state and receiver_commands tables.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore creates a store on an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteStateStore: Store ready for use
func NewSQLiteStateStore(db *sql.DB) *SQLiteStateStore {
	return &SQLiteStateStore{db: db}
}

// SaveState upserts the last known state of a receiver.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - receiverID: Configured receiver id
//   - mode: Control mode in use
//   - state: State snapshot to persist
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (s *SQLiteStateStore) SaveState(ctx context.Context, receiverID string, mode ControlMode, state ReceiverState) error {
	if receiverID == "" {
		return fmt.Errorf("receiver id is required")
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling receiver state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receiver_state (receiver_id, control_mode, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(receiver_id) DO UPDATE SET
			control_mode = excluded.control_mode,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		receiverID,
		mode.String(),
		string(stateJSON),
		time.Now().UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("upserting receiver state: %w", err)
	}
	return nil
}

// LoadState returns the persisted state of a receiver.
// The second result is false when nothing has been stored yet.
func (s *SQLiteStateStore) LoadState(ctx context.Context, receiverID string) (ReceiverState, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM receiver_state WHERE receiver_id = ?",
		receiverID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ReceiverState{}, false, nil
	}
	if err != nil {
		return ReceiverState{}, false, fmt.Errorf("querying receiver state: %w", err)
	}

	var st ReceiverState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return ReceiverState{}, false, fmt.Errorf("unmarshalling receiver state: %w", err)
	}
	return st, true, nil
}

// RecordCommand appends a command outcome to the audit trail.
func (s *SQLiteStateStore) RecordCommand(ctx context.Context, rec CommandRecord) error {
	if rec.ReceiverID == "" {
		return fmt.Errorf("receiver id is required")
	}
	if rec.Source == "" {
		rec.Source = "mqtt"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	params := rec.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshalling command parameters: %w", err)
	}

	var errorCode sql.NullString
	if rec.ErrorCode != "" {
		errorCode = sql.NullString{String: rec.ErrorCode, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receiver_commands
			(command_id, receiver_id, command, parameters, source, status, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID,
		rec.ReceiverID,
		rec.Command,
		string(paramsJSON),
		rec.Source,
		string(rec.Status),
		errorCode,
		rec.CreatedAt.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting receiver command: %w", err)
	}
	return nil
}

// CommandHistory returns recent commands of a receiver, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - receiverID: Configured receiver id
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []CommandRecord: Records ordered by created_at descending
//   - error: nil on success, otherwise the underlying database error
func (s *SQLiteStateStore) CommandHistory(ctx context.Context, receiverID string, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = defaultCommandHistoryLimit
	}
	limit = min(limit, maxCommandHistoryLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, receiver_id, command, parameters, source, status, error_code, created_at
		FROM receiver_commands
		WHERE receiver_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		receiverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying receiver commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec        CommandRecord
			paramsJSON string
			status     string
			errorCode  sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&rec.CommandID, &rec.ReceiverID, &rec.Command, &paramsJSON,
			&rec.Source, &status, &errorCode, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning receiver command: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshalling command parameters: %w", err)
		}
		if len(rec.Parameters) == 0 {
			rec.Parameters = nil
		}
		rec.Status = AckStatus(status)
		rec.ErrorCode = errorCode.String
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command timestamp: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receiver commands: %w", err)
	}
	return out, nil
}
