package meeting

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingsPG stores provider preferences in facility_meeting_provider.
type SettingsPG struct {
	pool *pgxpool.Pool
}

func NewSettingsPG(pool *pgxpool.Pool) *SettingsPG {
	return &SettingsPG{pool: pool}
}

func (s *SettingsPG) ProviderFor(ctx context.Context, facilityID uuid.UUID) (Kind, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT provider FROM facility_meeting_provider WHERE facility_id = $1`, facilityID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoSetting
	}
	if err != nil {
		return "", err
	}
	return ParseKind(name)
}

// SetProvider upserts the facility's preference.
func (s *SettingsPG) SetProvider(ctx context.Context, facilityID uuid.UUID, kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO facility_meeting_provider (facility_id, provider, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (facility_id) DO UPDATE SET provider = EXCLUDED.provider, updated_at = NOW()`,
		facilityID, string(kind))
	return err
}
