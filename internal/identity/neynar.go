package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// NeynarProvider uses the paid Neynar bulk user endpoint. The custody
// address is never used as a reward address.
type NeynarProvider struct {
	baseURL string
	apiKey  string
	api     *apiClient
}

// NewNeynarProvider creates a Neynar-backed provider
func NewNeynarProvider(baseURL, apiKey string, cfg ClientConfig) *NeynarProvider {
	return &NeynarProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		api:     newAPIClient("neynar", cfg),
	}
}

// Name implements Provider
func (p *NeynarProvider) Name() string { return string(types.SourceNeynar) }

type neynarBulkResponse struct {
	Users []struct {
		FID               int64  `json:"fid"`
		Username          string `json:"username"`
		DisplayName       string `json:"display_name"`
		CustodyAddress    string `json:"custody_address"`
		VerifiedAddresses struct {
			EthAddresses []string `json:"eth_addresses"`
			Primary      struct {
				EthAddress string `json:"eth_address"`
			} `json:"primary"`
		} `json:"verified_addresses"`
	} `json:"users"`
}

// Lookup implements Provider
func (p *NeynarProvider) Lookup(ctx context.Context, fid int64) (*models.UserProfile, error) {
	header := http.Header{}
	header.Set("x-api-key", p.apiKey)

	var resp neynarBulkResponse
	url := fmt.Sprintf("%s/v2/farcaster/user/bulk?fids=%d", p.baseURL, fid)
	if err := p.api.getJSON(ctx, url, header, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, ErrNotFound
	}

	u := resp.Users[0]
	verified := ethAddresses(u.VerifiedAddresses.EthAddresses...)
	if len(verified) == 0 {
		return nil, ErrNotFound
	}

	wallet := verified[0]
	if primary := models.NormalizeAddress(u.VerifiedAddresses.Primary.EthAddress); models.IsValidAddress(primary) {
		wallet = primary
		if !containsAddress(verified, primary) {
			verified = append([]string{primary}, verified...)
		}
	}

	return &models.UserProfile{
		FID:               fid,
		WalletAddress:     wallet,
		Username:          u.Username,
		DisplayName:       u.DisplayName,
		VerifiedAddresses: verified,
		Source:            types.SourceNeynar,
		ResolvedAt:        time.Now().UTC(),
	}, nil
}

func containsAddress(list []string, a string) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
