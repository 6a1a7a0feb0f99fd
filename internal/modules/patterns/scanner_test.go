package patterns

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pulse/internal/domain"
)

type fakeHistory map[string][]float64

func (f fakeHistory) DailyCloses(_ context.Context, symbol string, _ int) ([]float64, error) {
	closes, ok := f[symbol]
	if !ok {
		return nil, errors.New("no data")
	}
	return closes, nil
}

// wave oscillates gently around base, staying inside its Bollinger bands
func wave(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + math.Sin(float64(i)/3)
	}
	return out
}

func names(ps []domain.Pattern) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Name)
	}
	return out
}

func TestDetect_ShortHistory(t *testing.T) {
	s := NewScanner(nil, zerolog.Nop())
	assert.Empty(t, s.Detect("AAPL", wave(MinHistory-1, 100)))
}

func TestDetect_QuietSeries(t *testing.T) {
	s := NewScanner(nil, zerolog.Nop())
	found := names(s.Detect("AAPL", wave(100, 100)))

	assert.NotContains(t, found, BollingerBreakout)
	assert.NotContains(t, found, BollingerBreakdown)
	assert.NotContains(t, found, UnusualMove)
}

func TestDetect_SpikeTriggersBreakoutAndUnusualMove(t *testing.T) {
	s := NewScanner(nil, zerolog.Nop())
	closes := wave(100, 100)
	closes[len(closes)-1] = 115

	found := names(s.Detect("AAPL", closes))
	assert.Contains(t, found, BollingerBreakout)
	assert.Contains(t, found, UnusualMove)

	for _, p := range s.Detect("AAPL", closes) {
		assert.Equal(t, "AAPL", p.Symbol)
		assert.GreaterOrEqual(t, p.Strength, 0.0)
		assert.LessOrEqual(t, p.Strength, 1.0)
	}
}

func TestDetect_SteadyDeclineIsOversold(t *testing.T) {
	s := NewScanner(nil, zerolog.Nop())
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 200 - float64(i)*1.5
	}

	assert.Contains(t, names(s.Detect("TSLA", closes)), RSIOversold)
}

func TestScan_SkipsFailingSymbols(t *testing.T) {
	closes := wave(100, 100)
	closes[len(closes)-1] = 115
	s := NewScanner(fakeHistory{"AAPL": closes}, zerolog.Nop())

	found, err := s.Scan(context.Background(), []string{"AAPL", "MISSING"})
	require.NoError(t, err)
	assert.NotEmpty(t, found)
}

func TestScan_AllSymbolsFail(t *testing.T) {
	s := NewScanner(fakeHistory{}, zerolog.Nop())

	_, err := s.Scan(context.Background(), []string{"A", "B"})
	assert.Error(t, err)
}
