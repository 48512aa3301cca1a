// Package notify delivers Farcaster mini app notifications to engaged users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/identity"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/retry"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/types"
)

// TokenStore persists notification tokens
type TokenStore interface {
	SaveToken(ctx context.Context, t *models.NotificationToken) error
	GetToken(ctx context.Context, address string) (*models.NotificationToken, error)
	DeleteToken(ctx context.Context, address string) error
	DeleteTokenByFID(ctx context.Context, fid int64) (int64, error)
	DeleteTokenValue(ctx context.Context, token string) error
	ListTokens(ctx context.Context) ([]*models.NotificationToken, error)
}

// AddressVerifier returns the addresses a fid currently has verified
type AddressVerifier interface {
	VerifiedAddresses(ctx context.Context, fid int64) ([]string, error)
}

// Config tunes delivery
type Config struct {
	AppURL         string
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Concurrency    int
}

// Dispatcher owns notification tokens and delivery
type Dispatcher struct {
	store    TokenStore
	verifier AddressVerifier
	tokens   *models.TokenRegistry
	sender   *Sender
	retry    *retry.RetryConfig
	appURL   string
	timeout  time.Duration

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher. verifier may be nil, which disables RemoveUnverified.
func NewDispatcher(store TokenStore, verifier AddressVerifier, tokens *models.TokenRegistry, cfg Config) *Dispatcher {
	rc := retry.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		rc.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		rc.MaxDelay = cfg.MaxDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if tokens == nil {
		tokens = models.NewTokenRegistry()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Dispatcher{
		store:    store,
		verifier: verifier,
		tokens:   tokens,
		sender:   NewSender(timeout),
		retry:    rc,
		appURL:   cfg.AppURL,
		// room for every retry plus its backoff
		timeout: time.Duration(rc.MaxAttempts) * (timeout + rc.MaxDelay),
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Register stores or replaces the token for an address
func (d *Dispatcher) Register(ctx context.Context, address string, fid int64, token, deliveryURL string) error {
	if !models.IsValidAddress(address) {
		return apperrors.NewInvalidAddressError(address)
	}
	if token == "" {
		return apperrors.NewInvalidParameterError("token", "must not be empty")
	}
	u, err := url.Parse(deliveryURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return apperrors.NewInvalidParameterError("url", "must be an absolute http(s) URL")
	}

	t := &models.NotificationToken{
		WalletAddress: models.NormalizeAddress(address),
		FID:           fid,
		Token:         token,
		DeliveryURL:   deliveryURL,
		AddedAt:       time.Now().UTC(),
	}
	if err := d.store.SaveToken(ctx, t); err != nil {
		return apperrors.NewDatabaseError("save_notification_token", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"address": t.WalletAddress,
		"fid":     fid,
	}).Info("Notification token registered")
	return nil
}

// Unregister drops the token for an address
func (d *Dispatcher) Unregister(ctx context.Context, address string) error {
	if err := d.store.DeleteToken(ctx, address); err != nil {
		return apperrors.NewDatabaseError("delete_notification_token", err)
	}
	return nil
}

// UnregisterFID drops every token registered by a fid
func (d *Dispatcher) UnregisterFID(ctx context.Context, fid int64) (int64, error) {
	n, err := d.store.DeleteTokenByFID(ctx, fid)
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete_notification_token", err)
	}
	return n, nil
}

// Notify delivers one message. delivered is false with a nil error when the
// address has no token.
func (d *Dispatcher) Notify(ctx context.Context, address, title, message, targetURL string) (bool, error) {
	return d.deliver(ctx, address, Message{
		NotificationID: newNotificationID(),
		Title:          title,
		Body:           message,
		TargetURL:      targetURL,
	})
}

func (d *Dispatcher) deliver(ctx context.Context, address string, msg Message) (bool, error) {
	logger := logging.FromContext(ctx).WithField("address", models.NormalizeAddress(address))

	tok, err := d.store.GetToken(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.NotificationsSent.WithLabelValues(metrics.OutcomeNoToken).Inc()
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseError("get_notification_token", err)
	}

	if msg.TargetURL == "" {
		msg.TargetURL = d.appURL
	}

	result := retry.WithExponentialBackoff(ctx, d.retry, func(ctx context.Context, attempt int) error {
		return d.sender.Send(ctx, tok.DeliveryURL, tok.Token, msg)
	})
	if result.Success {
		metrics.NotificationsSent.WithLabelValues(metrics.OutcomeDelivered).Inc()
		return true, nil
	}

	if errors.Is(result.LastError, ErrTokenRevoked) {
		metrics.NotificationsSent.WithLabelValues(metrics.OutcomeInvalid).Inc()
		if err := d.store.DeleteTokenValue(ctx, tok.Token); err != nil {
			logger.WithError(err).Warn("Failed to delete revoked notification token")
		}
		logger.Info("Notification token revoked by host, removed")
		return false, ErrTokenRevoked
	}

	if ce := apperrors.Categorize(result.LastError); ce != nil && ce.Code == "PROVIDER_RATE_LIMIT" {
		metrics.NotificationsSent.WithLabelValues(metrics.OutcomeRateLimited).Inc()
	} else {
		metrics.NotificationsSent.WithLabelValues(metrics.OutcomeError).Inc()
	}
	return false, fmt.Errorf("notification failed after %d attempts: %w", result.Attempts, result.LastError)
}

// NotifyAsync delivers in the background with bounded concurrency. The
// caller never waits for delivery.
func (d *Dispatcher) NotifyAsync(ctx context.Context, address string, msg Message) {
	if msg.NotificationID == "" {
		msg.NotificationID = newNotificationID()
	}
	logger := logging.FromContext(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		sendCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), d.timeout)
		defer cancel()

		if _, err := d.deliver(sendCtx, address, msg); err != nil {
			logger.WithError(err).WithField("address", address).Warn("Background notification failed")
		}
	}()
}

// NotifySettled tells the recipient of a settled entry about the tip. The
// notification id is derived from the entry so hosts can drop repeats.
func (d *Dispatcher) NotifySettled(ctx context.Context, entry *models.LedgerEntry) {
	d.NotifyAsync(ctx, entry.ToAddress, SettledMessage(d.tokens, entry))
}

// SettledMessage composes the tip notification for a settled entry
func SettledMessage(tokens *models.TokenRegistry, entry *models.LedgerEntry) Message {
	amount := tokens.Format(entry.TokenAddress, entry.Amount)
	return Message{
		NotificationID: "tip-" + entry.ID,
		Title:          "You received a tip!",
		Body:           fmt.Sprintf("You earned %s for your %s", amount, actionNoun(entry.Action)),
	}
}

func actionNoun(a types.Action) string {
	switch a {
	case types.ActionLike:
		return "like"
	case types.ActionRecast:
		return "recast"
	case types.ActionReply:
		return "reply"
	case types.ActionFollow:
		return "follow"
	}
	return "engagement"
}

// Wait blocks until background deliveries finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Status returns the token for an address, if any
func (d *Dispatcher) Status(ctx context.Context, address string) (*models.NotificationToken, bool, error) {
	tok, err := d.store.GetToken(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("get_notification_token", err)
	}
	return tok, true, nil
}

// Users lists every address with a registered token
func (d *Dispatcher) Users(ctx context.Context) ([]*models.NotificationToken, error) {
	tokens, err := d.store.ListTokens(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list_notification_tokens", err)
	}
	return tokens, nil
}

// CleanupResult is the per-address outcome of RemoveUnverified
type CleanupResult struct {
	UserAddress string `json:"userAddress"`
	Removed     bool   `json:"removed"`
	Reason      string `json:"reason"`
}

// CleanupReport summarizes RemoveUnverified
type CleanupReport struct {
	TotalUsers   int             `json:"totalUsers"`
	RemovedCount int             `json:"removedCount"`
	ErrorCount   int             `json:"errorCount"`
	Results      []CleanupResult `json:"results"`
}

// RemoveUnverified drops tokens whose address is no longer verified by its
// fid. Lookup failures keep the token and are counted as errors.
func (d *Dispatcher) RemoveUnverified(ctx context.Context) (*CleanupReport, error) {
	if d.verifier == nil {
		return nil, apperrors.NewServiceUnavailableError("identity")
	}

	tokens, err := d.Users(ctx)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	report := &CleanupReport{TotalUsers: len(tokens), Results: make([]CleanupResult, 0, len(tokens))}

	for _, tok := range tokens {
		res := CleanupResult{UserAddress: tok.WalletAddress}

		verified, err := d.verifier.VerifiedAddresses(ctx, tok.FID)
		switch {
		case err != nil && !identity.IsDefinitive(err):
			report.ErrorCount++
			res.Reason = "verification lookup failed"
			logger.WithError(err).WithField("fid", tok.FID).Warn("Could not verify notification user")
		case containsAddress(verified, tok.WalletAddress):
			res.Reason = "verified"
		default:
			if derr := d.store.DeleteToken(ctx, tok.WalletAddress); derr != nil {
				report.ErrorCount++
				res.Reason = "delete failed"
				break
			}
			res.Removed = true
			res.Reason = "address not verified by fid"
			report.RemovedCount++
		}

		report.Results = append(report.Results, res)
	}

	logger.WithFields(map[string]interface{}{
		"total":   report.TotalUsers,
		"removed": report.RemovedCount,
		"errors":  report.ErrorCount,
	}).Info("Removed unverified notification users")
	return report, nil
}

func containsAddress(list []string, address string) bool {
	for _, a := range list {
		if models.SameAddress(a, address) {
			return true
		}
	}
	return false
}

func newNotificationID() string {
	return uuid.New().String()
}
