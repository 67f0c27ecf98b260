// Package store persists learned owner profiles in SQLite.
//
// A profile snapshot carries, per modality, the frozen baseline (mean +
// row-major covariance) and the trained Tier-1 model (preprocessing params
// plus mixture weights/means/variances). Snapshots cross a process boundary,
// so every document is checked against an embedded JSON Schema on both write
// and read, and non-finite values are never persisted. JSON cannot encode
// NaN/Inf, and a snapshot that fails either check is rejected rather than
// silently repaired.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vigild/internal/anomaly"
	"vigild/internal/baseline"
	"vigild/internal/feature"
)

// Schema for the vigild profile store.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    profile_id  TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    profile_id  TEXT NOT NULL REFERENCES profiles(profile_id),
    modality    TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    doc         TEXT NOT NULL,
    PRIMARY KEY (profile_id, modality)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_profile ON snapshots(profile_id);
`

// ErrNotFound indicates a missing profile or snapshot.
var ErrNotFound = errors.New("not found")

// ModalitySnapshot is the persisted state for one modality.
type ModalitySnapshot struct {
	Modality     feature.Modality      `json:"modality"`
	CreatedAt    time.Time             `json:"created_at"`
	Baseline     *baseline.Baseline    `json:"baseline,omitempty"`
	Preprocessor *anomaly.Preprocessor `json:"preprocessor,omitempty"`
	Mixture      *anomaly.GMM          `json:"mixture,omitempty"`
}

// Store is the SQLite profile store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// EnsureProfile creates the profile row if it does not exist.
func (s *Store) EnsureProfile(profileID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO profiles (profile_id, created_at) VALUES (?, ?)`,
		profileID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}

// SaveSnapshot validates and upserts one modality snapshot.
func (s *Store) SaveSnapshot(profileID string, snap *ModalitySnapshot) error {
	if err := checkFinite(snap); err != nil {
		return err
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := ValidateSnapshotDoc(doc); err != nil {
		return fmt.Errorf("snapshot for %s: %w", snap.Modality, err)
	}
	if err := s.EnsureProfile(profileID); err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (profile_id, modality, created_at, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_id, modality) DO UPDATE SET
			created_at = excluded.created_at,
			doc        = excluded.doc`,
		profileID, string(snap.Modality), snap.CreatedAt.UnixNano(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves one modality snapshot for a profile.
func (s *Store) LoadSnapshot(profileID string, m feature.Modality) (*ModalitySnapshot, error) {
	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM snapshots WHERE profile_id = ? AND modality = ?`,
		profileID, string(m),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s/%s: %w", profileID, m, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot([]byte(doc))
}

// LoadSnapshots retrieves all modality snapshots for a profile. Snapshots
// failing schema or finiteness checks are skipped, not returned.
func (s *Store) LoadSnapshots(profileID string) ([]*ModalitySnapshot, error) {
	rows, err := s.db.Query(
		`SELECT doc FROM snapshots WHERE profile_id = ? ORDER BY modality`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var out []*ModalitySnapshot
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot([]byte(doc))
		if err != nil {
			continue // corrupt snapshot: re-collection beats garbage state
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteProfile removes a profile and its snapshots.
func (s *Store) DeleteProfile(profileID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snapshots WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM profiles WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return tx.Commit()
}

// decodeSnapshot parses and validates a stored document.
func decodeSnapshot(doc []byte) (*ModalitySnapshot, error) {
	if err := ValidateSnapshotDoc(doc); err != nil {
		return nil, err
	}
	var snap ModalitySnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := checkFinite(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// checkFinite enforces the cross-boundary numeric contract: no NaN/Inf in
// any persisted array.
func checkFinite(snap *ModalitySnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot: %w: nil", feature.ErrInvalidInput)
	}
	if b := snap.Baseline; b != nil {
		if !feature.AllFinite(b.Mean) || !feature.AllFinite(b.Cov) {
			return fmt.Errorf("snapshot baseline: %w: non-finite values", feature.ErrInvalidInput)
		}
	}
	if p := snap.Preprocessor; p != nil {
		if !feature.AllFinite(p.Median) || !feature.AllFinite(p.MAD) {
			return fmt.Errorf("snapshot preprocessor: %w: non-finite values", feature.ErrInvalidInput)
		}
	}
	if g := snap.Mixture; g != nil && !g.Valid() {
		return fmt.Errorf("snapshot mixture: %w: invalid model", feature.ErrInvalidInput)
	}
	return nil
}
