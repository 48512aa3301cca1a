package models

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/reward-settler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", NormalizeAddress(" 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913 "))
	assert.Equal(t, "0xabc", NormalizeAddress("ABC"))
	assert.Equal(t, "", NormalizeAddress("  "))
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
	assert.False(t, IsValidAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA0291"))
	assert.False(t, IsValidAddress(ZeroAddress))
	assert.False(t, IsValidAddress("0xZZ3589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
}

func TestAddressNormalizationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	hexAddr := gen.RegexMatch("^0x[0-9a-fA-F]{40}$")

	properties.Property("normalization is idempotent", prop.ForAll(
		func(a string) bool {
			return NormalizeAddress(NormalizeAddress(a)) == NormalizeAddress(a)
		},
		hexAddr,
	))

	properties.Property("upper and lower case spellings compare equal", prop.ForAll(
		func(a string) bool {
			return SameAddress(strings.ToUpper(a[2:]), a) && NormalizeAddress(strings.ToUpper(a)) == NormalizeAddress(a)
		},
		hexAddr,
	))

	properties.TestingRun(t)
}

func TestNaturalEventID(t *testing.T) {
	assert.Equal(t, "like:242597:0xabc", NaturalEventID(types.ActionLike, 242597, 1, "0xABC", ""))
	assert.Equal(t, "recast:5:0xabc", NaturalEventID(types.ActionRecast, 5, 1, "0xabc", ""))
	assert.Equal(t, "reply:0xdef", NaturalEventID(types.ActionReply, 5, 1, "0xabc", "0xDEF"))
	assert.Equal(t, "follow:5:1", NaturalEventID(types.ActionFollow, 5, 1, "", ""))
	assert.Equal(t, "", NaturalEventID(types.Action("quote"), 5, 1, "", ""))
}

func TestBatchIdempotencyKey_OrderIndependent(t *testing.T) {
	a := BatchIdempotencyKey([]string{"c", "a", "b"})
	b := BatchIdempotencyKey([]string{"a", "b", "c"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, BatchIdempotencyKey([]string{"a", "b"}))

	batch := SettlementBatch{IdempotencyKey: a}
	key := batch.KeyBytes()
	assert.NotEqual(t, [32]byte{}, key)
}

func TestTokenRegistry_Format(t *testing.T) {
	reg := NewTokenRegistry(Token{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6})

	assert.Equal(t, "0.0001 USDC", reg.Format("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "100"))
	assert.Equal(t, "1.5 USDC", reg.Format("0x833589FCD6EDB6E08F4C7C32D4F71B54BDA02913", "1500000"))
	assert.Equal(t, "42 0x1234…5678", reg.Format("0x1234000000000000000000000000000000005678", "42"))
	assert.Equal(t, "abc", reg.Format("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "abc"))
}

func TestUserConfig_AmountFor(t *testing.T) {
	cfg := &UserConfig{LikeAmount: "100", LikeEnabled: true, FollowAmount: "5"}

	amount, enabled := cfg.AmountFor(types.ActionLike)
	assert.Equal(t, "100", amount)
	assert.True(t, enabled)

	amount, enabled = cfg.AmountFor(types.ActionFollow)
	assert.Equal(t, "5", amount)
	assert.False(t, enabled)
}

func TestTokenRegistry_ToMinor(t *testing.T) {
	reg := NewTokenRegistry(Token{Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Symbol: "USDC", Decimals: 6})
	const usdc = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	got, err := reg.ToMinor(usdc, "0.0001")
	require.NoError(t, err)
	assert.Equal(t, "100", got)

	got, err = reg.ToMinor(usdc, "2")
	require.NoError(t, err)
	assert.Equal(t, "2000000", got)

	for _, bad := range []string{"0.0000001", "-1", "abc"} {
		_, err := reg.ToMinor(usdc, bad)
		assert.Error(t, err, bad)
	}
	_, err = reg.ToMinor("0x1234000000000000000000000000000000005678", "1")
	assert.Error(t, err)
}
