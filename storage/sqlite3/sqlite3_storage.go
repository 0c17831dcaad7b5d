// Package sqlite3 provides a single-file Storage backend on top of
// zombiezen.com/go/sqlite.
package sqlite3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kinship-auth/kinship"
)

const schema = `
CREATE TABLE IF NOT EXISTS tuples (
	id TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	subject_relation TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (object_type, object_id, relation, subject_type, subject_id, subject_relation)
);
CREATE INDEX IF NOT EXISTS idx_tuples_id ON tuples (id);
CREATE INDEX IF NOT EXISTS idx_tuples_subject ON tuples (subject_type, subject_id, subject_relation);
`

type SQLite3Storage struct {
	pool *sqlitex.Pool
}

var _ kinship.Storage = (*SQLite3Storage)(nil)

func NewSQLite3Storage(filepath string) (*SQLite3Storage, error) {
	pool, err := sqlitex.NewPool(filepath, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, err
	}
	s := &SQLite3Storage{pool}
	if err := s.init(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite3Storage) init(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *SQLite3Storage) Close() error {
	return s.pool.Close()
}

func (s *SQLite3Storage) Write(ctx context.Context, t kinship.Tuple) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO tuples (id, object_type, object_id, relation, subject_type, subject_id, subject_relation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{id.String(), t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation},
		})
}

func (s *SQLite3Storage) Delete(ctx context.Context, t kinship.Tuple) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`DELETE FROM tuples
		 WHERE object_type = ? AND object_id = ? AND relation = ?
		 AND subject_type = ? AND subject_id = ? AND subject_relation = ?`,
		&sqlitex.ExecOptions{
			Args: []any{t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation},
		})
}

func (s *SQLite3Storage) Exists(ctx context.Context, t kinship.Tuple) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)
	found := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM tuples
		 WHERE object_type = ? AND object_id = ? AND relation = ?
		 AND subject_type = ? AND subject_id = ? AND subject_relation = ?`,
		&sqlitex.ExecOptions{
			Args: []any{t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	return found, err
}

func (s *SQLite3Storage) Read(ctx context.Context, f kinship.TupleFilter) (kinship.TupleIterator, error) {
	if f.Empty() {
		return nil, errors.New("read requires a non-empty filter")
	}
	tuples, err := s.query(ctx, f, uuid.Nil, 0)
	if err != nil {
		return nil, err
	}
	return kinship.NewTupleSliceIterator(tuples), nil
}

func (s *SQLite3Storage) ReadUserset(ctx context.Context, objectType, objectID, relation string) (kinship.TupleIterator, error) {
	return s.Read(ctx, kinship.TupleFilter{
		ObjectType: objectType,
		ObjectID:   objectID,
		Relation:   relation,
	})
}

func (s *SQLite3Storage) List(ctx context.Context, f kinship.TupleFilter, p kinship.Pagination) ([]kinship.Tuple, uuid.UUID, error) {
	limit := p.Limit
	if limit > 0 {
		limit++ // fetch one extra row to detect the next page
	}
	tuples, err := s.query(ctx, f, p.Cursor, limit)
	if err != nil {
		return nil, uuid.Nil, err
	}
	cursor := uuid.Nil
	if p.Limit > 0 && len(tuples) > p.Limit {
		tuples = tuples[:p.Limit]
		last, err := s.idOf(ctx, tuples[len(tuples)-1])
		if err != nil {
			return nil, uuid.Nil, err
		}
		cursor = last
	}
	return tuples, cursor, nil
}

// query returns matching tuples ordered by id. UUIDv7 strings sort by
// creation time, so the id column doubles as the pagination order.
func (s *SQLite3Storage) query(ctx context.Context, f kinship.TupleFilter, after uuid.UUID, limit int) ([]kinship.Tuple, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	where, args := filterClauses(f)
	if after != uuid.Nil {
		where = append(where, "id > ?")
		args = append(args, after.String())
	}
	query := "SELECT object_type, object_id, relation, subject_type, subject_id, subject_relation FROM tuples"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var tuples []kinship.Tuple
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tuples = append(tuples, kinship.Tuple{
				ObjectType:      stmt.ColumnText(0),
				ObjectID:        stmt.ColumnText(1),
				Relation:        stmt.ColumnText(2),
				SubjectType:     stmt.ColumnText(3),
				SubjectID:       stmt.ColumnText(4),
				SubjectRelation: stmt.ColumnText(5),
			})
			return nil
		},
	})
	return tuples, err
}

func (s *SQLite3Storage) idOf(ctx context.Context, t kinship.Tuple) (uuid.UUID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer s.pool.Put(conn)
	id := uuid.Nil
	err = sqlitex.Execute(conn,
		`SELECT id FROM tuples
		 WHERE object_type = ? AND object_id = ? AND relation = ?
		 AND subject_type = ? AND subject_id = ? AND subject_relation = ?`,
		&sqlitex.ExecOptions{
			Args: []any{t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := uuid.FromString(stmt.ColumnText(0))
				id = parsed
				return err
			},
		})
	return id, err
}

func filterClauses(f kinship.TupleFilter) ([]string, []any) {
	var where []string
	var args []any
	add := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	add("object_type", f.ObjectType)
	add("object_id", f.ObjectID)
	add("relation", f.Relation)
	add("subject_type", f.SubjectType)
	add("subject_id", f.SubjectID)
	add("subject_relation", f.SubjectRelation)
	return where, args
}
