package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ghosty/chat-app/internal/matching"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore keeps profiles in the user_sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a profile store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `id, device_id, is_verified, gender, preference, nickname, bio, user_hash, past_matches, last_active, created_at`

func scanProfile(row interface{ Scan(...interface{}) error }) (*Profile, error) {
	var (
		p                           Profile
		gender, nickname, bio, hash sql.NullString
		preference                  string
	)
	err := row.Scan(&p.ID, &p.DeviceID, &p.Verified, &gender, &preference, &nickname, &bio, &hash,
		pq.Array(&p.PriorPartners), &p.LastActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Gender = matching.Gender(gender.String)
	p.Preference = matching.Preference(preference)
	p.Nickname = nickname.String
	p.Bio = bio.String
	p.UserHash = hash.String
	return &p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, deviceID string) (*Profile, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("profile: device id required")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO user_sessions (id, device_id)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET last_active = NOW()
		RETURNING `+profileColumns,
		uuid.NewString(), deviceID,
	)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("profile: upsert: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_sessions WHERE id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, u Update) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET nickname = $2, bio = $3, preference = $4, last_active = NOW()
		WHERE id = $1`,
		id, u.Nickname, u.Bio, u.Preference,
	)
	if err != nil {
		return fmt.Errorf("profile: update: %w", err)
	}
	return expectOne(res)
}

func (s *PostgresStore) MarkVerified(ctx context.Context, id string, gender matching.Gender, userHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions
		SET is_verified = TRUE, gender = $2, user_hash = $3, last_active = NOW()
		WHERE id = $1`,
		id, string(gender), userHash,
	)
	if err != nil {
		return fmt.Errorf("profile: mark verified: %w", err)
	}
	return expectOne(res)
}

// RecordPartners appends each id to the other's past_matches in one
// transaction. Ids already present are not appended again.
func (s *PostgresStore) RecordPartners(ctx context.Context, a, b string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("profile: record partners: %w", err)
	}
	defer tx.Rollback()

	const q = `
		UPDATE user_sessions
		SET past_matches = array_append(past_matches, $2)
		WHERE id = $1 AND NOT ($2 = ANY(past_matches))`
	if _, err := tx.ExecContext(ctx, q, a, b); err != nil {
		return fmt.Errorf("profile: record partners: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q, b, a); err != nil {
		return fmt.Errorf("profile: record partners: %w", err)
	}
	return tx.Commit()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
