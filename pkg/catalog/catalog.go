// Package catalog remembers which images were processed so that interrupted runs can resume.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/sortera"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	path TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	mod_time TEXT NOT NULL,
	hash TEXT,
	run_id TEXT,
	category TEXT,
	score INTEGER,
	stars INTEGER,
	target TEXT,
	target_path TEXT,
	succeeded INTEGER NOT NULL,
	error TEXT,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_id ON images(run_id);`

// Entry is what the catalog knows about one image.
type Entry struct {
	Path       string
	Size       int64
	ModTime    time.Time
	Hash       string
	RunID      string
	Category   string
	Score      int
	Stars      int
	Target     sortera.Target
	TargetPath string
	Succeeded  bool
	Error      string
	RecordedAt time.Time
}

// Catalog is a sqlite database of processed images.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Lookup returns the entry for a path.
func (c *Catalog) Lookup(path string) (*Entry, error) {
	e := &Entry{Path: path}
	var modTime, recordedAt string
	var hash, runID, category, target, targetPath, errMsg sql.NullString
	var score, stars sql.NullInt64
	var succeeded int

	err := c.db.QueryRow(`SELECT size, mod_time, hash, run_id, category, score, stars, target, target_path, succeeded, error, recorded_at
		FROM images WHERE path = ?`, path).Scan(
		&e.Size, &modTime, &hash, &runID, &category, &score, &stars, &target, &targetPath, &succeeded, &errMsg, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", path, err)
	}

	e.ModTime, err = time.Parse(time.RFC3339Nano, modTime)
	if err != nil {
		return nil, fmt.Errorf("parse mod_time for %s: %w", path, err)
	}
	e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	e.Hash = hash.String
	e.RunID = runID.String
	e.Category = category.String
	e.Score = int(score.Int64)
	e.Stars = int(stars.Int64)
	e.Target = sortera.Target(target.String)
	e.TargetPath = targetPath.String
	e.Succeeded = succeeded == 1
	e.Error = errMsg.String
	return e, nil
}

// Done returns true if img was processed successfully and has not changed since.
func (c *Catalog) Done(img sortera.ImageRecord) (bool, error) {
	e, err := c.Lookup(img.Path)
	if err != nil || e == nil {
		return false, err
	}
	if !e.Succeeded || e.Size != img.Size || !e.ModTime.Equal(img.ModTime) {
		return false, nil
	}
	if e.Hash != "" && img.Hash != "" && e.Hash != img.Hash {
		return false, nil
	}
	return true, nil
}

// Skip returns a reason to skip img if it was already processed. Lookup errors are logged and not skipped.
func (c *Catalog) Skip(img sortera.ImageRecord) string {
	done, err := c.Done(img)
	if err != nil {
		klog.Warningf("catalog: %v", err)
		return ""
	}
	if done {
		return "already processed"
	}
	return ""
}

// Record stores the outcome of one image. Embedded writes change the file, so it is stat'ed again.
func (c *Catalog) Record(runID string, o sortera.ImageOutcome) error {
	img := o.Image
	if o.Write != nil && o.Write.Succeeded && o.Write.Target == sortera.Embedded {
		st, err := os.Stat(img.Path)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		img.Size = st.Size()
		img.ModTime = st.ModTime()
		if img.Hash != "" {
			if img.Hash, err = sortera.HashFile(img.Path); err != nil {
				return fmt.Errorf("hash: %w", err)
			}
		}
	}

	var category, target, targetPath, errMsg string
	var score, stars int
	if o.Analysis != nil {
		category = o.Analysis.Category
		score = o.Analysis.Score
	}
	if o.Failure != nil {
		errMsg = o.Failure.Error()
	}
	if o.Write != nil {
		stars = o.Write.StarRating
		target = string(o.Write.Target)
		targetPath = o.Write.TargetPath
		if o.Write.Error != "" {
			errMsg = o.Write.Error
		}
	}
	succeeded := 0
	if o.Succeeded() {
		succeeded = 1
	}

	_, err := c.db.Exec(`INSERT OR REPLACE INTO images (
		path, size, mod_time, hash, run_id, category, score, stars, target, target_path, succeeded, error, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.Path, img.Size, img.ModTime.UTC().Format(time.RFC3339Nano), img.Hash, runID, category, score, stars,
		target, targetPath, succeeded, errMsg, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record %s: %w", img.Path, err)
	}
	return nil
}

// Count returns how many images were recorded, and how many of them succeeded.
func (c *Catalog) Count() (total int, succeeded int, err error) {
	err = c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(succeeded), 0) FROM images`).Scan(&total, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("count: %w", err)
	}
	return total, succeeded, nil
}
