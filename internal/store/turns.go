package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BWC4WIFE/Trans2Thai/internal/session"
)

// TurnRecord is a persisted transcript entry.
type TurnRecord struct {
	SessionID string    `json:"session_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionEvent is a row written by the event log.
type SessionEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// RecordTurn inserts a finalized turn.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, t session.Turn) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO translation_turns (id, session_id, speaker, text, sequence)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		ON CONFLICT (session_id, sequence) DO NOTHING
	`, sessionID, string(t.Speaker), t.Text, t.Seq)
	return err
}

// ListTurns returns a session's transcript in order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, speaker, text, sequence, created_at
		FROM translation_turns
		WHERE session_id = $1
		ORDER BY sequence ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var t TurnRecord
		if err := rows.Scan(&t.SessionID, &t.Speaker, &t.Text, &t.Sequence, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListSessionEvents retrieves events for a specific session
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var eventData []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &eventData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = json.RawMessage(eventData)
		events = append(events, e)
	}
	return events, rows.Err()
}
