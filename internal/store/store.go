package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BWC4WIFE/Trans2Thai/internal/session"
)

// Setting keys, shared with the mobile client's preferences.
const (
	KeyModel            = "selected_model"
	KeyVADSensitivityMs = "vad_sensitivity_ms"
	KeyAPIKey           = "api_key"
	KeySourceLanguage   = "source_language"
	KeyTargetLanguage   = "target_language"
	KeyResumptionHandle = "resumption_handle"
)

var (
	// ErrUnknownSetting is returned by PutSetting for keys the session does not read.
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrInvalidSetting is returned by PutSetting for values that would be ignored.
	ErrInvalidSetting = errors.New("invalid setting value")
)

// Store persists settings, transcripts and session events. A Store without a
// database keeps settings in memory.
type Store struct {
	db       *pgxpool.Pool
	defaults session.Settings

	mu  sync.Mutex
	mem map[string]string
}

func New(db *pgxpool.Pool, defaults session.Settings) *Store {
	return &Store{db: db, defaults: defaults, mem: map[string]string{}}
}

// LoadSettings returns the configured defaults overlaid with stored values.
func (s *Store) LoadSettings(ctx context.Context) (session.Settings, error) {
	values, err := s.settingValues(ctx)
	if err != nil {
		return session.Settings{}, err
	}
	out := s.defaults
	for k, v := range values {
		applySetting(&out, k, v)
	}
	return out, nil
}

// SaveResumptionHandle stores the latest resumable handle.
func (s *Store) SaveResumptionHandle(ctx context.Context, handle string) error {
	return s.putSetting(ctx, KeyResumptionHandle, handle)
}

// PutSetting stores one named setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	switch key {
	case KeyModel, KeyVADSensitivityMs, KeyAPIKey, KeySourceLanguage, KeyTargetLanguage, KeyResumptionHandle:
	default:
		return ErrUnknownSetting
	}
	if key == KeyVADSensitivityMs {
		if ms, err := strconv.Atoi(value); err != nil || ms <= 0 {
			return fmt.Errorf("%w: vad_sensitivity_ms must be a positive integer", ErrInvalidSetting)
		}
	}
	return s.putSetting(ctx, key, value)
}

func (s *Store) putSetting(ctx context.Context, key, value string) error {
	if s.db == nil {
		s.mu.Lock()
		s.mem[key] = value
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, key, value)
	return err
}

func (s *Store) settingValues(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make(map[string]string, len(s.mem))
		for k, v := range s.mem {
			out[k] = v
		}
		return out, nil
	}

	rows, err := s.db.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var kv [2]string
		err := row.Scan(&kv[0], &kv[1])
		return kv, err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(values))
	for _, kv := range values {
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// applySetting overlays one stored value. Blank or invalid values keep the
// default.
func applySetting(dst *session.Settings, key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	switch key {
	case KeyModel:
		dst.ModelName = value
	case KeyVADSensitivityMs:
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			dst.VADTimeout = time.Duration(ms) * time.Millisecond
		}
	case KeyAPIKey:
		dst.APIKey = value
	case KeySourceLanguage:
		dst.SourceLanguage = value
	case KeyTargetLanguage:
		dst.TargetLanguage = value
	case KeyResumptionHandle:
		dst.ResumptionHandle = value
	}
}
