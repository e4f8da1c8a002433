// Package depslog persists the implicit header/include dependencies
// discovered by parsing a depfile or by GCC/MSVC deps extraction. These
// are dependencies the manifest author never wrote down — the compiler
// reports them — so they live in a side database keyed by output path
// rather than in the manifest itself.
//
// Backed by zombiezen.com/go/sqlite raw SQL rather than a packed binary
// record format, covering both GCC-style flat dependency lists and the
// invariants the log needs to hold: one record per output, replaced
// by each RecordDeps, with staleness detectable from the output mtime
// stored in each record.
package depslog

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"forgebuild/internal/graph"
)

const schema = `
CREATE TABLE IF NOT EXISTS deps_nodes (
	id INTEGER PRIMARY KEY,
	path TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS deps_records (
	output_id INTEGER PRIMARY KEY,
	mtime INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS deps_edges (
	output_id INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	input_id INTEGER NOT NULL,
	PRIMARY KEY (output_id, seq)
);
`

// Log is the open deps database.
type Log struct {
	conn *sqlite.Conn
}

func Open(path string) (*Log, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, schema); err != nil {
		conn.Close()
		return nil, err
	}
	return &Log{conn: conn}, nil
}

func (l *Log) Close() error {
	if l == nil || l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// idForPath interns a path in deps_nodes, returning its row id.
func (l *Log) idForPath(path string) (int64, error) {
	var id int64
	err := sqlitex.Execute(l.conn,
		`INSERT INTO deps_nodes(path) VALUES (?) ON CONFLICT(path) DO NOTHING;`,
		&sqlitex.ExecOptions{Args: []any{path}})
	if err != nil {
		return 0, err
	}
	err = sqlitex.Execute(l.conn,
		`SELECT id FROM deps_nodes WHERE path = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	return id, err
}

// RecordDeps replaces the dependency list for outputPath, stamped with
// the output's mtime at the time deps were extracted, so a later
// GetDeps call can tell whether the recorded list still matches the
// output on disk: staleness is mtime-keyed, not generation-keyed —
// scan.loadDeps treats a record whose stored mtime is older than the
// output's current mtime as stale.
func (l *Log) RecordDeps(outputPath string, mtime graph.TimeStamp, deps []string) (err error) {
	if l == nil {
		return nil
	}
	outID, err := l.idForPath(outputPath)
	if err != nil {
		return err
	}

	defer sqlitex.Save(l.conn)(&err)

	err = sqlitex.Execute(l.conn,
		`INSERT INTO deps_records(output_id, mtime) VALUES (?, ?)
		 ON CONFLICT(output_id) DO UPDATE SET mtime = excluded.mtime;`,
		&sqlitex.ExecOptions{Args: []any{outID, int64(mtime)}})
	if err != nil {
		return err
	}

	err = sqlitex.Execute(l.conn, `DELETE FROM deps_edges WHERE output_id = ?;`,
		&sqlitex.ExecOptions{Args: []any{outID}})
	if err != nil {
		return err
	}

	for i, dep := range deps {
		var inID int64
		inID, err = l.idForPath(dep)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(l.conn,
			`INSERT INTO deps_edges(output_id, seq, input_id) VALUES (?, ?, ?);`,
			&sqlitex.ExecOptions{Args: []any{outID, i, inID}})
		if err != nil {
			return err
		}
	}
	return nil
}

// Deps is a recorded, ordered dependency list plus the mtime the output
// had when it was recorded.
type Deps struct {
	Mtime graph.TimeStamp
	Paths []string
}

// GetDeps returns the most recently recorded dependency list for
// outputPath, or ok=false if none has ever been recorded.
func (l *Log) GetDeps(outputPath string) (Deps, bool) {
	if l == nil {
		return Deps{}, false
	}
	outID, found, err := l.lookupID(outputPath)
	if err != nil || !found {
		return Deps{}, false
	}

	var d Deps
	var haveRecord bool
	err = sqlitex.Execute(l.conn, `SELECT mtime FROM deps_records WHERE output_id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{outID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d.Mtime = graph.TimeStamp(stmt.ColumnInt64(0))
				haveRecord = true
				return nil
			},
		})
	if err != nil || !haveRecord {
		return Deps{}, false
	}

	err = sqlitex.Execute(l.conn,
		`SELECT n.path FROM deps_edges e JOIN deps_nodes n ON n.id = e.input_id
		 WHERE e.output_id = ? ORDER BY e.seq;`,
		&sqlitex.ExecOptions{
			Args: []any{outID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d.Paths = append(d.Paths, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return Deps{}, false
	}
	return d, true
}

func (l *Log) lookupID(path string) (int64, bool, error) {
	var id int64
	var found bool
	err := sqlitex.Execute(l.conn, `SELECT id FROM deps_nodes WHERE path = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	return id, found, err
}

// IsDepsEntryLiveFor reports whether outputPath still has a recorded
// dependency list, as opposed to merely having once been interned as a
// path (every input a record ever pointed to stays in deps_nodes even
// after the record itself is gone).
func (l *Log) IsDepsEntryLiveFor(outputPath string) bool {
	id, found, err := l.lookupID(outputPath)
	if err != nil || !found {
		return false
	}
	var haveRecord bool
	err = sqlitex.Execute(l.conn, `SELECT 1 FROM deps_records WHERE output_id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				haveRecord = true
				return nil
			},
		})
	return err == nil && haveRecord
}

// Recompact deletes the deps_records and deps_edges rows of every
// recorded output not in liveOutputs — the deps-log equivalent of the
// build log's soft-delete-then-purge sweep, done here as a straight
// DELETE since the deps log has no soft-delete column. Every live record
// is preserved. Rows in deps_nodes are kept, and the database file is
// not vacuumed, so its size on disk does not shrink.
func (l *Log) Recompact(liveOutputs map[string]bool) (err error) {
	if l == nil {
		return nil
	}
	var toDrop []string
	err = sqlitex.Execute(l.conn, `SELECT path FROM deps_nodes n
		 WHERE EXISTS (SELECT 1 FROM deps_records r WHERE r.output_id = n.id);`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p := stmt.ColumnText(0)
				if !liveOutputs[p] {
					toDrop = append(toDrop, p)
				}
				return nil
			},
		})
	if err != nil {
		return err
	}

	defer sqlitex.Save(l.conn)(&err)
	for _, p := range toDrop {
		id, found, lerr := l.lookupID(p)
		if lerr != nil || !found {
			continue
		}
		if err = sqlitex.Execute(l.conn, `DELETE FROM deps_edges WHERE output_id = ?;`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return err
		}
		if err = sqlitex.Execute(l.conn, `DELETE FROM deps_records WHERE output_id = ?;`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return err
		}
	}
	return nil
}
