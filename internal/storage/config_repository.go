package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settler/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a guarded state change matched no rows
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ConfigRepository stores creator reward configurations
type ConfigRepository struct {
	db *PostgresDB
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *PostgresDB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

const configColumns = `
	wallet_address, is_active, token_address,
	like_amount::text, recast_amount::text, reply_amount::text, follow_amount::text,
	like_enabled, recast_enabled, reply_enabled, follow_enabled, updated_at`

// GetConfig returns the active config for a creator, or nil when there is
// none or it is inactive
func (r *ConfigRepository) GetConfig(ctx context.Context, address string) (*models.UserConfig, error) {
	cfg, err := r.GetRaw(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, nil
	}
	return cfg, nil
}

// GetRaw returns the config for a creator regardless of its active flag
func (r *ConfigRepository) GetRaw(ctx context.Context, address string) (*models.UserConfig, error) {
	query := `SELECT ` + configColumns + ` FROM user_configs WHERE wallet_address = $1`

	var cfg models.UserConfig
	err := r.db.Pool().QueryRow(ctx, query, models.NormalizeAddress(address)).Scan(
		&cfg.WalletAddress,
		&cfg.IsActive,
		&cfg.TokenAddress,
		&cfg.LikeAmount,
		&cfg.RecastAmount,
		&cfg.ReplyAmount,
		&cfg.FollowAmount,
		&cfg.LikeEnabled,
		&cfg.RecastEnabled,
		&cfg.ReplyEnabled,
		&cfg.FollowEnabled,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user config: %w", err)
	}

	return &cfg, nil
}

// Upsert creates or replaces a creator's config
func (r *ConfigRepository) Upsert(ctx context.Context, cfg *models.UserConfig) error {
	if !models.IsValidAddress(cfg.WalletAddress) {
		return fmt.Errorf("invalid creator address: %q", cfg.WalletAddress)
	}
	if !models.IsValidAddress(cfg.TokenAddress) {
		return fmt.Errorf("invalid token address: %q", cfg.TokenAddress)
	}

	cfg.WalletAddress = models.NormalizeAddress(cfg.WalletAddress)
	cfg.TokenAddress = models.NormalizeAddress(cfg.TokenAddress)
	cfg.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO user_configs (
			wallet_address, is_active, token_address,
			like_amount, recast_amount, reply_amount, follow_amount,
			like_enabled, recast_enabled, reply_enabled, follow_enabled, updated_at
		)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9, $10, $11, $12)
		ON CONFLICT (wallet_address)
		DO UPDATE SET
			is_active = EXCLUDED.is_active,
			token_address = EXCLUDED.token_address,
			like_amount = EXCLUDED.like_amount,
			recast_amount = EXCLUDED.recast_amount,
			reply_amount = EXCLUDED.reply_amount,
			follow_amount = EXCLUDED.follow_amount,
			like_enabled = EXCLUDED.like_enabled,
			recast_enabled = EXCLUDED.recast_enabled,
			reply_enabled = EXCLUDED.reply_enabled,
			follow_enabled = EXCLUDED.follow_enabled,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cfg.WalletAddress,
		cfg.IsActive,
		cfg.TokenAddress,
		amountOrZero(cfg.LikeAmount),
		amountOrZero(cfg.RecastAmount),
		amountOrZero(cfg.ReplyAmount),
		amountOrZero(cfg.FollowAmount),
		cfg.LikeEnabled,
		cfg.RecastEnabled,
		cfg.ReplyEnabled,
		cfg.FollowEnabled,
		cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user config: %w", err)
	}

	return nil
}

func amountOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
