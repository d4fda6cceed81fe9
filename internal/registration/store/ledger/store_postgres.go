package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

// DB is the subset of *pgxpool.Pool the stores need.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists registrations. The composite primary key on
// (entity_id, event_kind, event_name, event_year, event_sub_id) is the
// uniqueness guarantee; the service owns all transition rules.
type PostgresStore struct {
	db DB
}

func NewPostgres(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `entity_id::text, event_kind, event_name, event_year, event_sub_id,
	status, created_at, paid_at, amount_paid_minor_units, payment_ref`

// EnsurePending inserts a pending row; on conflict the existing row wins and
// is read back. ON CONFLICT DO NOTHING waits for a concurrent inserter to
// commit, so the follow-up read always finds the winner.
func (s *PostgresStore) EnsurePending(ctx context.Context, rec *models.RegistrationRecord) (*models.RegistrationRecord, bool, error) {
	query := `
		INSERT INTO registrations (entity_id, event_kind, event_name, event_year, event_sub_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (entity_id, event_kind, event_name, event_year, event_sub_id) DO NOTHING
		RETURNING ` + recordColumns
	k := rec.EventKey
	created, err := scanRecord(s.db.QueryRow(ctx, query,
		rec.EntityID.String(), string(k.Kind), k.Name, k.Year, k.SubID, rec.CreatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert registration: %w", err)
	}

	existing, err := s.Find(ctx, rec.EntityID, rec.EventKey)
	if err != nil {
		return nil, false, fmt.Errorf("read existing registration: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) Find(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM registrations
		WHERE entity_id = $1 AND event_kind = $2 AND event_name = $3 AND event_year = $4 AND event_sub_id = $5
	`
	rec, err := scanRecord(s.db.QueryRow(ctx, query,
		entityID.String(), string(key.Kind), key.Name, key.Year, key.SubID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find registration: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByEvent(ctx context.Context, key models.EventKey) ([]*models.RegistrationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM registrations
		WHERE event_kind = $1 AND event_name = $2 AND event_year = $3 AND event_sub_id = $4
		ORDER BY created_at, entity_id
	`
	rows, err := s.db.Query(ctx, query, string(key.Kind), key.Name, key.Year, key.SubID)
	if err != nil {
		return nil, fmt.Errorf("find registrations by event: %w", err)
	}
	defer rows.Close()

	var out []*models.RegistrationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return out, nil
}

// MarkPaid runs the guarded pending -> paid update. When no row matches the
// guard the current row is read back to tell "already paid" from "missing".
func (s *PostgresStore) MarkPaid(ctx context.Context, entityID id.EntityID, key models.EventKey, paidAt time.Time, amountMinorUnits int64, paymentRef string) (*models.RegistrationRecord, bool, error) {
	query := `
		UPDATE registrations
		SET status = 'paid', paid_at = $6, amount_paid_minor_units = $7, payment_ref = $8
		WHERE entity_id = $1 AND event_kind = $2 AND event_name = $3 AND event_year = $4 AND event_sub_id = $5
			AND status = 'pending'
		RETURNING ` + recordColumns
	rec, err := scanRecord(s.db.QueryRow(ctx, query,
		entityID.String(), string(key.Kind), key.Name, key.Year, key.SubID,
		paidAt, amountMinorUnits, paymentRef,
	))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("mark registration paid: %w", err)
	}

	current, err := s.Find(ctx, entityID, key)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func scanRecord(row pgx.Row) (*models.RegistrationRecord, error) {
	var (
		entityID   string
		kind       string
		rec        models.RegistrationRecord
		status     string
		paidAt     *time.Time
		amount     *int64
		paymentRef *string
	)
	err := row.Scan(&entityID, &kind, &rec.EventKey.Name, &rec.EventKey.Year, &rec.EventKey.SubID,
		&status, &rec.CreatedAt, &paidAt, &amount, &paymentRef)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseEntityID(entityID)
	if err != nil {
		return nil, fmt.Errorf("stored entity id: %w", err)
	}
	rec.EntityID = parsed
	rec.EventKey.Kind = models.EventKind(kind)
	rec.Status = models.RegistrationStatus(status)
	rec.PaidAt = paidAt
	rec.AmountPaidMinorUnits = amount
	if paymentRef != nil {
		rec.PaymentRef = *paymentRef
	}
	return &rec, nil
}
