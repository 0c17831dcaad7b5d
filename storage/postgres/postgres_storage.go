// Package postgres provides the PostgreSQL Storage backend on top of
// jackc/pgx. Schema management runs through golang-migrate with embedded
// migration files.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kinship-auth/kinship"
)

//go:embed migrations/*.sql
var fs embed.FS

func RunMigrations(databaseURL string) error {
	driver, err := iofs.New(fs, "migrations")
	if err != nil {
		return err
	}
	migrations, err := migrate.NewWithSourceInstance("iofs", driver, databaseURL)
	if err != nil {
		return err
	}
	if err := migrations.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ kinship.Storage = (*PostgresStorage)(nil)

func NewPostgresStorage(databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxuuid.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &PostgresStorage{pool}, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) Write(ctx context.Context, t kinship.Tuple) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tuples (id, object_type, object_id, relation, subject_type, subject_id, subject_relation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		id, t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
	return err
}

func (s *PostgresStorage) Delete(ctx context.Context, t kinship.Tuple) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tuples
		 WHERE object_type=$1 AND object_id=$2 AND relation=$3
		 AND subject_type=$4 AND subject_id=$5 AND subject_relation=$6`,
		t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
	return err
}

func (s *PostgresStorage) Exists(ctx context.Context, t kinship.Tuple) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM tuples
		 WHERE object_type=$1 AND object_id=$2 AND relation=$3
		 AND subject_type=$4 AND subject_id=$5 AND subject_relation=$6`,
		t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation).
		Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStorage) Read(ctx context.Context, f kinship.TupleFilter) (kinship.TupleIterator, error) {
	if f.Empty() {
		return nil, errors.New("read requires a non-empty filter")
	}
	where, args := filterClauses(f)
	rows, err := s.pool.Query(ctx,
		"SELECT object_type, object_id, relation, subject_type, subject_id, subject_relation FROM tuples WHERE "+strings.Join(where, " AND "),
		args...)
	if err != nil {
		return nil, err
	}
	return &rowsIterator{rows: rows}, nil
}

func (s *PostgresStorage) ReadUserset(ctx context.Context, objectType, objectID, relation string) (kinship.TupleIterator, error) {
	return s.Read(ctx, kinship.TupleFilter{
		ObjectType: objectType,
		ObjectID:   objectID,
		Relation:   relation,
	})
}

func (s *PostgresStorage) List(ctx context.Context, f kinship.TupleFilter, p kinship.Pagination) ([]kinship.Tuple, uuid.UUID, error) {
	where, args := filterClauses(f)
	if p.Cursor != uuid.Nil {
		args = append(args, p.Cursor)
		where = append(where, fmt.Sprintf("id > $%d", len(args)))
	}
	query := "SELECT id, object_type, object_id, relation, subject_type, subject_id, subject_relation FROM tuples"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if p.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", p.Limit+1)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, uuid.Nil, err
	}
	defer rows.Close()

	var tuples []kinship.Tuple
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var t kinship.Tuple
		if err := rows.Scan(&id, &t.ObjectType, &t.ObjectID, &t.Relation, &t.SubjectType, &t.SubjectID, &t.SubjectRelation); err != nil {
			return nil, uuid.Nil, err
		}
		tuples = append(tuples, t)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, uuid.Nil, err
	}

	cursor := uuid.Nil
	if p.Limit > 0 && len(tuples) > p.Limit {
		tuples = tuples[:p.Limit]
		cursor = ids[p.Limit-1]
	}
	return tuples, cursor, nil
}

type rowsIterator struct {
	rows   pgx.Rows
	closed bool
}

func (it *rowsIterator) Next(ctx context.Context) (kinship.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return kinship.EmptyTuple, err
	}
	if it.closed || !it.rows.Next() {
		defer it.Stop()
		if !it.closed {
			if err := it.rows.Err(); err != nil {
				return kinship.EmptyTuple, err
			}
		}
		return kinship.EmptyTuple, kinship.ErrIteratorDone
	}
	var t kinship.Tuple
	if err := it.rows.Scan(&t.ObjectType, &t.ObjectID, &t.Relation, &t.SubjectType, &t.SubjectID, &t.SubjectRelation); err != nil {
		return kinship.EmptyTuple, err
	}
	return t, nil
}

func (it *rowsIterator) Stop() {
	if it.closed {
		return
	}
	it.closed = true
	it.rows.Close()
}

func filterClauses(f kinship.TupleFilter) ([]string, []any) {
	var where []string
	var args []any
	add := func(column, value string) {
		if value != "" {
			args = append(args, value)
			where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
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
