package db

import (
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNumericRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1080000", "-15.25", "0.0536585365853659", "123456789012345.6789"} {
		d := decimal.RequireFromString(s)
		n := Numeric(d)
		assert.True(t, n.Valid)
		assert.True(t, Decimal(n).Equal(d), s)
	}
}

func TestNullNumeric(t *testing.T) {
	assert.False(t, NullNumeric(decimal.NullDecimal{}).Valid)
	assert.False(t, NullDecimal(pgtype.Numeric{}).Valid)

	n := NullNumeric(decimal.NewNullDecimal(decimal.RequireFromString("0.0537")))
	got := NullDecimal(n)
	assert.True(t, got.Valid)
	assert.Equal(t, "0.0537", got.Decimal.String())
}

func TestDecimal_NonFinite(t *testing.T) {
	assert.True(t, Decimal(pgtype.Numeric{NaN: true, Valid: true}).IsZero())
	assert.True(t, Decimal(pgtype.Numeric{Int: big.NewInt(1), InfinityModifier: pgtype.Infinity, Valid: true}).IsZero())
	assert.False(t, NullDecimal(pgtype.Numeric{NaN: true, Valid: true}).Valid)
}
