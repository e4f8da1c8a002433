// Package buildlog persists, across invocations, which command most
// recently produced each output and what its output mtime was. It
// exists so that a changed command line — not just a changed input
// mtime — is enough to mark an output dirty, and so restat can compare
// "did the command actually change this file" across runs.
//
// Backed by an embedded SQL database fronted by gorm (see
// model.BuildLogRow) rather than a bespoke line-oriented text format,
// while preserving every invariant the log needs to hold: one live row
// per output, restat suppression, survival across recompaction.
package buildlog

import (
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"forgebuild/internal/graph"
	"forgebuild/internal/rapidhash"
	"forgebuild/model"
)

// Log is the open build log. Nil-safe: a Log obtained from Open(":memory:")
// or a real path behaves the same; a build run with no log at all (tests
// exercising the Plan/Builder in isolation) simply passes a nil *Log.
type Log struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open opens (creating if necessary) the build log at path. Use
// ":memory:" for an ephemeral log in tests.
func Open(path string) (*Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.BuildLogRow{}); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HashCommand is the command-line fingerprint recorded alongside each
// output, computed over the fully-evaluated (rspfile-inclusive) command
// string so a semantically unchanged command never causes a spurious
// rebuild.
func HashCommand(command string) uint64 {
	return rapidhash.HashString(command)
}

// RecordCommand upserts the most recent command hash and output mtime
// for outputPath, overwriting any prior row — the log only ever tracks
// the single most recent producer of an output.
func (l *Log) RecordCommand(outputPath string, commandHash uint64, mtime graph.TimeStamp, startMs, endMs int64) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	row := model.BuildLogRow{
		OutputPath:  outputPath,
		CommandHash: commandHash,
		Mtime:       int64(mtime),
		StartMs:     startMs,
		EndMs:       endMs,
	}
	return l.db.Where(model.BuildLogRow{OutputPath: outputPath}).
		Assign(row).
		FirstOrCreate(&model.BuildLogRow{}).Error
}

// Entry is the looked-up record for one output.
type Entry struct {
	CommandHash uint64
	Mtime       graph.TimeStamp
	StartMs     int64
	EndMs       int64
}

// LookupByOutput returns the most recently recorded entry for
// outputPath, or ok=false if this output has never been recorded.
func (l *Log) LookupByOutput(outputPath string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var row model.BuildLogRow
	res := l.db.Where("output_path = ?", outputPath).First(&row)
	if res.Error != nil {
		return Entry{}, false
	}
	return Entry{CommandHash: row.CommandHash, Mtime: graph.TimeStamp(row.Mtime), StartMs: row.StartMs, EndMs: row.EndMs}, true
}

// Recompact drops every row whose output path is not in liveOutputs,
// using the soft_delete flag column for the first pass (so a crash
// mid-recompaction leaves a recoverable log) and then physically
// purging — a row is never hard-deleted before the soft-delete pass
// confirms no live output still needs it.
func (l *Log) Recompact(liveOutputs map[string]bool) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows []model.BuildLogRow
	if err := l.db.Find(&rows).Error; err != nil {
		return err
	}
	tx := l.db.Begin()
	for _, row := range rows {
		if !liveOutputs[row.OutputPath] {
			if err := tx.Delete(&row).Error; err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}
	return l.db.Unscoped().Where("deleted > 0").Delete(&model.BuildLogRow{}).Error
}

// Restat re-stats every output already present in the log against disk
// and updates its recorded mtime without touching the command hash: a
// command whose output mtime didn't actually change should not force
// downstream rebuilds, even though the build ran.
func (l *Log) Restat(statter func(path string) (graph.TimeStamp, error)) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows []model.BuildLogRow
	if err := l.db.Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		mtime, err := statter(row.OutputPath)
		if err != nil {
			continue
		}
		row.Mtime = int64(mtime)
		if err := l.db.Save(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
