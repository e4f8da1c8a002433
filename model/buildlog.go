// Package model holds the gorm row types used to persist the build log
// locally: same columns a remote cache row would carry, same
// soft-delete-driven recompaction trick, no network service behind it.
package model

import "gorm.io/plugin/soft_delete"

// BuildLogRow is one output's most recent recorded build: the command
// hash that produced it, the mtime recorded for it, and the wall-clock
// window the command ran in. Recompaction works by soft-deleting rows
// for outputs no longer reachable from the manifest and then physically
// purging soft-deleted rows, using soft_delete.DeletedAt the way a
// remote cache row would use it for eviction.
type BuildLogRow struct {
	ID          int64                 `gorm:"primarykey"`
	OutputPath  string                `gorm:"uniqueIndex:idx_build_log_output"`
	CommandHash uint64                `gorm:"column:command_hash"`
	StartMs     int64                 `gorm:"column:start_ms"`
	EndMs       int64                 `gorm:"column:end_ms"`
	Mtime       int64                 `gorm:"column:mtime"`
	Deleted     soft_delete.DeletedAt `gorm:"softDelete:flag;default:0"`
}

func (BuildLogRow) TableName() string {
	return "build_log_entries"
}
