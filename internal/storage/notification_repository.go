package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reward-settler/internal/models"
)

// NotificationRepository stores mini app notification tokens, one per address
type NotificationRepository struct {
	db *PostgresDB
}

// NewNotificationRepository creates a new notification token repository
func NewNotificationRepository(db *PostgresDB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// SaveToken upserts the token for an address
func (r *NotificationRepository) SaveToken(ctx context.Context, t *models.NotificationToken) error {
	t.WalletAddress = models.NormalizeAddress(t.WalletAddress)
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_tokens (wallet_address, fid, token, delivery_url, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet_address)
		DO UPDATE SET
			fid = EXCLUDED.fid,
			token = EXCLUDED.token,
			delivery_url = EXCLUDED.delivery_url,
			added_at = EXCLUDED.added_at
	`

	if _, err := r.db.Pool().Exec(ctx, query, t.WalletAddress, t.FID, t.Token, t.DeliveryURL, t.AddedAt); err != nil {
		return fmt.Errorf("failed to save notification token: %w", err)
	}
	return nil
}

// GetToken returns the token for an address, or ErrNotFound
func (r *NotificationRepository) GetToken(ctx context.Context, address string) (*models.NotificationToken, error) {
	query := `
		SELECT wallet_address, fid, token, delivery_url, added_at
		FROM notification_tokens
		WHERE wallet_address = $1
	`

	var t models.NotificationToken
	err := r.db.Pool().QueryRow(ctx, query, models.NormalizeAddress(address)).Scan(
		&t.WalletAddress, &t.FID, &t.Token, &t.DeliveryURL, &t.AddedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification token: %w", err)
	}
	return &t, nil
}

// DeleteToken removes the token for an address
func (r *NotificationRepository) DeleteToken(ctx context.Context, address string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_tokens WHERE wallet_address = $1`, models.NormalizeAddress(address)); err != nil {
		return fmt.Errorf("failed to delete notification token: %w", err)
	}
	return nil
}

// DeleteTokenByFID removes every token registered for a fid
func (r *NotificationRepository) DeleteTokenByFID(ctx context.Context, fid int64) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_tokens WHERE fid = $1`, fid)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notification tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTokenValue removes a token reported invalid by the delivery host
func (r *NotificationRepository) DeleteTokenValue(ctx context.Context, token string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("failed to delete notification token: %w", err)
	}
	return nil
}

// ListTokens returns every registered token ordered by address
func (r *NotificationRepository) ListTokens(ctx context.Context) ([]*models.NotificationToken, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT wallet_address, fid, token, delivery_url, added_at
		FROM notification_tokens
		ORDER BY wallet_address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.NotificationToken
	for rows.Next() {
		var t models.NotificationToken
		if err := rows.Scan(&t.WalletAddress, &t.FID, &t.Token, &t.DeliveryURL, &t.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}
