package utils

import (
	"testing"

	"coinstream/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------

func candleAt(openTime int64) models.MCandle {
	return models.MCandle{TradeSymbol: "BTCUSDT", Interval: "1h", OpenTime: openTime, State: models.CandleClosed}
}

// -----------------------------------------------------------------------------

func TestAppendAndAllInOrder(t *testing.T) {
	rb := NewCandleRing(5)

	rb.Append(candleAt(1))
	rb.Append(candleAt(2))
	rb.Append(candleAt(3))

	all := rb.All()
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].OpenTime)
	assert.Equal(t, int64(3), all[2].OpenTime)
}

// -----------------------------------------------------------------------------

func TestWrapAroundKeepsNewest(t *testing.T) {
	rb := NewCandleRing(3)

	for i := int64(1); i <= 5; i++ {
		rb.Append(candleAt(i))
	}

	require.True(t, rb.IsFull())
	all := rb.All()
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].OpenTime)
	assert.Equal(t, int64(5), all[2].OpenTime)
}

// -----------------------------------------------------------------------------

func TestLatestReturnsTail(t *testing.T) {
	rb := NewCandleRing(10)
	for i := int64(1); i <= 6; i++ {
		rb.Append(candleAt(i))
	}

	latest := rb.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(5), latest[0].OpenTime)
	assert.Equal(t, int64(6), latest[1].OpenTime)

	// Asking for more than stored returns everything
	assert.Len(t, rb.Latest(100), 6)
}

// -----------------------------------------------------------------------------

func TestClearEmptiesBuffer(t *testing.T) {
	rb := NewCandleRing(3)
	rb.Append(candleAt(1))
	rb.Clear()

	assert.Equal(t, 0, rb.Size())
	assert.Empty(t, rb.All())
}
