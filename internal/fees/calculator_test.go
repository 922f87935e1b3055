package fees

import (
	"math/rand"
	"testing"

	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate_ReferenceScenario(t *testing.T) {
	got, err := Calculate(decimal.NewFromInt(10), decimal.NewFromInt(130), decimal.RequireFromString("0.01"))
	require.NoError(t, err)

	assert.Equal(t, int64(1300), got.Total)
	assert.Equal(t, int64(1287), got.RecipientAmount)
	assert.Equal(t, int64(13), got.PlatformFee)
}

func TestCalculate_RoundsTotalToNearestUnit(t *testing.T) {
	tests := []struct {
		name    string
		deposit string
		rate    string
		total   int64
	}{
		{name: "rounds down", deposit: "1.234", rate: "129.5", total: 160},
		{name: "rounds half away from zero", deposit: "0.5", rate: "129", total: 65},
		{name: "exact", deposit: "2", rate: "128.5", total: 257},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(decimal.RequireFromString(tt.deposit), decimal.RequireFromString(tt.rate), decimal.Zero)
			require.NoError(t, err)
			assert.Equal(t, tt.total, got.Total)
			assert.Equal(t, tt.total, got.RecipientAmount)
			assert.Zero(t, got.PlatformFee)
		})
	}
}

func TestCalculate_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		deposit decimal.Decimal
		rate    decimal.Decimal
		fee     decimal.Decimal
	}{
		{name: "zero deposit", deposit: decimal.Zero, rate: decimal.NewFromInt(130), fee: decimal.Zero},
		{name: "negative deposit", deposit: decimal.NewFromInt(-1), rate: decimal.NewFromInt(130), fee: decimal.Zero},
		{name: "zero rate", deposit: decimal.NewFromInt(10), rate: decimal.Zero, fee: decimal.Zero},
		{name: "total rounds to zero", deposit: decimal.RequireFromString("0.001"), rate: decimal.NewFromInt(130), fee: decimal.Zero},
		{name: "negative fee", deposit: decimal.NewFromInt(10), rate: decimal.NewFromInt(130), fee: decimal.RequireFromString("-0.01")},
		{name: "fee of one hundred percent", deposit: decimal.NewFromInt(10), rate: decimal.NewFromInt(130), fee: decimal.NewFromInt(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.deposit, tt.rate, tt.fee)
			require.ErrorIs(t, err, domain.ErrInvalidAmount)
		})
	}
}

func TestCalculate_SplitAlwaysSumsToTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		deposit := decimal.New(rng.Int63n(10_000_000)+1, -4)
		rate := decimal.New(rng.Int63n(2_000_000)+1, -3)
		fee := decimal.New(rng.Int63n(500), -4)

		got, err := Calculate(deposit, rate, fee)
		if err != nil {
			require.ErrorIs(t, err, domain.ErrInvalidAmount)
			continue
		}

		require.Equal(t, got.Total, got.RecipientAmount+got.PlatformFee, "deposit=%s rate=%s fee=%s", deposit, rate, fee)
		require.GreaterOrEqual(t, got.RecipientAmount, int64(0))
		require.GreaterOrEqual(t, got.PlatformFee, int64(0))

		// recipient is the largest whole amount whose fee-inclusive value fits in total.
		onePlusFee := decimal.NewFromInt(1).Add(fee)
		require.True(t, decimal.NewFromInt(got.RecipientAmount).Mul(onePlusFee).LessThanOrEqual(decimal.NewFromInt(got.Total)))
		require.True(t, decimal.NewFromInt(got.RecipientAmount+1).Mul(onePlusFee).GreaterThan(decimal.NewFromInt(got.Total)))
	}
}

func TestFractionFromPercent(t *testing.T) {
	assert.True(t, FractionFromPercent(1).Equal(decimal.RequireFromString("0.01")))
	assert.True(t, FractionFromPercent(2.5).Equal(decimal.RequireFromString("0.025")))
}
