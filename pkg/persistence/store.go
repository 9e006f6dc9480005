// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/atelier-ai/atelier/pkg/kb"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	snapshotSuffix = ".json.gz"
	metadataSuffix = ".meta.json"
	indexFile      = "index.db"
)

// Metadata is the sibling file written next to every snapshot.
type Metadata struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id,omitempty"`
	RunType   string    `json:"run_type"`
	CreatedAt time.Time `json:"created_ts"`
}

// Store persists run snapshots under a project-structured root directory.
// All writes to one project are serialized by a per-project lock; file
// replacement is atomic via temp-file renames.
type Store struct {
	root   string
	db     *sql.DB
	logger *zap.Logger

	mu       sync.Mutex
	projects map[string]*sync.Mutex
	names    map[string]string // run_id -> filename stem
}

// NewStore opens (or creates) a snapshot store rooted at dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open run index: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;
		CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			run_type   TEXT NOT NULL,
			filename   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init run index: %w", err)
	}
	return &Store{
		root:     dir,
		db:       db,
		logger:   logger,
		projects: make(map[string]*sync.Mutex),
		names:    make(map[string]string),
	}, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.projects[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.projects[projectID] = lock
	}
	return lock
}

// filename returns the stem used for a run's snapshot files, preferring a
// previously assigned slug.
func (s *Store) filename(rc *run.RunContext) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.names[rc.Meta.RunID]; ok {
		return name
	}
	name := defaultSlug(rc)
	s.names[rc.Meta.RunID] = name
	return name
}

// defaultSlug derives a readable filename from the question and run id.
func defaultSlug(rc *run.RunContext) string {
	slug := Slugify(rc.Team.Question)
	if slug == "" {
		slug = rc.Meta.RunType
	}
	short := rc.Meta.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	return slug + "-" + short
}

// Slugify lowercases and collapses a phrase into a filesystem-safe slug of
// at most 48 characters.
func Slugify(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastDash = false
		case !lastDash:
			sb.WriteByte('-')
			lastDash = true
		}
		if sb.Len() >= 48 {
			break
		}
	}
	return strings.Trim(sb.String(), "-")
}

// SaveSnapshot encodes and writes a run's snapshot plus its metadata file,
// then upserts the run index row.
func (s *Store) SaveSnapshot(rc *run.RunContext) error {
	lock := s.projectLock(rc.Meta.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	data, err := Encode(rc)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, projectDir(rc.Meta.ProjectID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create project dir: %w", err)
	}
	stem := s.filename(rc)

	if err := writeAtomicGzip(filepath.Join(dir, stem+snapshotSuffix), data); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(Metadata{
		RunID:     rc.Meta.RunID,
		ProjectID: rc.Meta.ProjectID,
		RunType:   rc.Meta.RunType,
		CreatedAt: rc.Meta.CreatedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, stem+metadataSuffix), meta); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`INSERT INTO runs (run_id, project_id, run_type, filename, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET filename=excluded.filename, updated_at=excluded.updated_at`,
		rc.Meta.RunID, rc.Meta.ProjectID, rc.Meta.RunType, stem,
		rc.Meta.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("failed to index run %s: %w", rc.Meta.RunID, err)
	}
	return nil
}

// Rename assigns a new filename stem to a run, moving any existing files.
// Used by the intelligent-naming pass once a better slug is known.
func (s *Store) Rename(runID, projectID, newStem string) error {
	newStem = Slugify(newStem)
	if newStem == "" {
		return fmt.Errorf("empty slug for run %s", runID)
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	oldStem, ok := s.names[runID]
	s.mu.Unlock()
	if !ok || oldStem == newStem {
		return nil
	}

	dir := filepath.Join(s.root, projectDir(projectID))
	for _, suffix := range []string{snapshotSuffix, metadataSuffix} {
		oldPath := filepath.Join(dir, oldStem+suffix)
		if _, err := os.Stat(oldPath); err != nil {
			continue
		}
		if err := os.Rename(oldPath, filepath.Join(dir, newStem+suffix)); err != nil {
			return fmt.Errorf("failed to rename snapshot: %w", err)
		}
	}
	s.mu.Lock()
	s.names[runID] = newStem
	s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE runs SET filename=?, updated_at=? WHERE run_id=?`,
		newStem, time.Now().UTC().Format(time.RFC3339Nano), runID)
	return err
}

// LoadSnapshot restores a run by id from the indexed snapshot file.
func (s *Store) LoadSnapshot(runID string) (*run.RunContext, *kb.KnowledgeBase, error) {
	var projectID, stem string
	err := s.db.QueryRow(`SELECT project_id, filename FROM runs WHERE run_id=?`, runID).
		Scan(&projectID, &stem)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("run %s is not in the index", runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query run index: %w", err)
	}

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.root, projectDir(projectID), stem+snapshotSuffix)
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()
	zr, err := gzip.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot %s is not gzip: %w", path, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	rc, knowledge, err := Restore(data, s.logger)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.names[runID] = stem
	s.mu.Unlock()
	return rc, knowledge, nil
}

// ListRuns returns the indexed runs for a project, newest first.
func (s *Store) ListRuns(projectID string) ([]Metadata, error) {
	rows, err := s.db.Query(
		`SELECT run_id, project_id, run_type, created_at FROM runs WHERE project_id=? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var created string
		if err := rows.Scan(&m.RunID, &m.ProjectID, &m.RunType, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func projectDir(projectID string) string {
	if projectID == "" {
		return "_default"
	}
	return projectID
}

// writeAtomic writes bytes to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// writeAtomicGzip is writeAtomic with gzip compression.
func writeAtomicGzip(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		_ = tmp.Close()
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
