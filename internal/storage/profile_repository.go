package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// ProfileRepository persists resolved identities
type ProfileRepository struct {
	db *PostgresDB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *PostgresDB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetProfile returns the stored profile for fid, or ErrNotFound
func (r *ProfileRepository) GetProfile(ctx context.Context, fid int64) (*models.UserProfile, error) {
	query := `
		SELECT fid, wallet_address, username, display_name, verified_addresses, source, resolved_at
		FROM user_profiles
		WHERE fid = $1
	`

	var p models.UserProfile
	var source string
	err := r.db.Pool().QueryRow(ctx, query, fid).Scan(
		&p.FID,
		&p.WalletAddress,
		&p.Username,
		&p.DisplayName,
		&p.VerifiedAddresses,
		&source,
		&p.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.Source = types.ProfileSource(source)

	return &p, nil
}

// SaveProfile inserts or refreshes a profile
func (r *ProfileRepository) SaveProfile(ctx context.Context, p *models.UserProfile) error {
	verified := make([]string, 0, len(p.VerifiedAddresses))
	for _, a := range p.VerifiedAddresses {
		verified = append(verified, models.NormalizeAddress(a))
	}

	query := `
		INSERT INTO user_profiles (fid, wallet_address, username, display_name, verified_addresses, source, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fid)
		DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			verified_addresses = EXCLUDED.verified_addresses,
			source = EXCLUDED.source,
			resolved_at = EXCLUDED.resolved_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.FID,
		models.NormalizeAddress(p.WalletAddress),
		p.Username,
		p.DisplayName,
		verified,
		string(p.Source),
		p.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// DeleteProfile removes a cached profile so the next lookup re-resolves it
func (r *ProfileRepository) DeleteProfile(ctx context.Context, fid int64) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM user_profiles WHERE fid = $1`, fid); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}
