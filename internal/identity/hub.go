package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// HubProvider reads verifications from a Farcaster hub HTTP API. It is free
// and tried first; hubs carry no username, only addresses.
type HubProvider struct {
	baseURL string
	api     *apiClient
}

// NewHubProvider creates a hub-backed provider
func NewHubProvider(baseURL string, cfg ClientConfig) *HubProvider {
	return &HubProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		api:     newAPIClient("farcaster_hub", cfg),
	}
}

// Name implements Provider
func (p *HubProvider) Name() string { return string(types.SourceHub) }

type hubVerificationBody struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
}

type hubVerificationsResponse struct {
	Messages []struct {
		Data struct {
			FID                           int64                `json:"fid"`
			VerificationAddAddressBody    *hubVerificationBody `json:"verificationAddAddressBody"`
			VerificationAddEthAddressBody *hubVerificationBody `json:"verificationAddEthAddressBody"`
		} `json:"data"`
	} `json:"messages"`
}

// Lookup implements Provider
func (p *HubProvider) Lookup(ctx context.Context, fid int64) (*models.UserProfile, error) {
	var resp hubVerificationsResponse
	url := fmt.Sprintf("%s/v1/verificationsByFid?fid=%d", p.baseURL, fid)
	if err := p.api.getJSON(ctx, url, nil, &resp); err != nil {
		return nil, err
	}

	var candidates []string
	for _, m := range resp.Messages {
		body := m.Data.VerificationAddAddressBody
		if body == nil {
			body = m.Data.VerificationAddEthAddressBody
		}
		if body == nil {
			continue
		}
		// Solana verifications share the message type
		if body.Protocol != "" && body.Protocol != "PROTOCOL_ETHEREUM" {
			continue
		}
		candidates = append(candidates, body.Address)
	}

	addrs := ethAddresses(candidates...)
	if len(addrs) == 0 {
		return nil, ErrNotFound
	}

	return &models.UserProfile{
		FID:               fid,
		WalletAddress:     addrs[0],
		VerifiedAddresses: addrs,
		Source:            types.SourceHub,
		ResolvedAt:        time.Now().UTC(),
	}, nil
}
