package entities

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists entities in the entities table.
type PostgresStore struct {
	db DB
}

func NewPostgres(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entityColumns = `id::text, kind, owner_id::text, display_name, grade`

func (s *PostgresStore) Create(ctx context.Context, entity models.Entity) (id.EntityID, error) {
	entity.ID = id.NewEntityID()
	_, err := s.db.Exec(ctx, `
		INSERT INTO entities (id, kind, owner_id, display_name, grade)
		VALUES ($1, $2, $3, $4, $5)`,
		entity.ID.String(), string(entity.Kind), entity.OwnerID.String(), entity.DisplayName, entity.Grade,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return id.EntityID{}, fmt.Errorf("insert entity: %w", sentinel.ErrConflict)
		}
		return id.EntityID{}, fmt.Errorf("insert entity: %w", err)
	}
	return entity.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, entityID id.EntityID) (*models.Entity, error) {
	entity, err := scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, entityID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return entity, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner id.AccountID) ([]*models.Entity, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE owner_id = $1 ORDER BY created_at, id`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var (
		rawID, rawOwner, kind string
		entity                models.Entity
	)
	if err := row.Scan(&rawID, &kind, &rawOwner, &entity.DisplayName, &entity.Grade); err != nil {
		return nil, err
	}
	entityID, err := id.ParseEntityID(rawID)
	if err != nil {
		return nil, err
	}
	owner, err := id.ParseAccountID(rawOwner)
	if err != nil {
		return nil, err
	}
	entity.ID = entityID
	entity.OwnerID = owner
	entity.Kind = models.EntityKind(kind)
	return &entity, nil
}
