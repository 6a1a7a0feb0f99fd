// Package patterns detects technical patterns in daily price history.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/pulse/internal/domain"
)

// Pattern names
const (
	RSIOverbought      = "rsi_overbought"
	RSIOversold        = "rsi_oversold"
	GoldenCross        = "golden_cross"
	DeathCross         = "death_cross"
	BollingerBreakout  = "bollinger_breakout"
	BollingerBreakdown = "bollinger_breakdown"
	UnusualMove        = "unusual_move"
)

// Directions
const (
	Bullish = "bullish"
	Bearish = "bearish"
)

const (
	// HistoryDays is how many daily closes the scanner asks for
	HistoryDays = 120
	// MinHistory is the shortest history the scanner will analyze
	MinHistory = 51

	rsiPeriod      = 14
	fastPeriod     = 20
	slowPeriod     = 50
	bandPeriod     = 20
	bandDeviations = 2.0
	zScoreCutoff   = 2.5
)

// HistoryProvider supplies daily closing prices, oldest first
type HistoryProvider interface {
	DailyCloses(ctx context.Context, symbol string, days int) ([]float64, error)
}

// Scanner runs indicator checks over each symbol's history
type Scanner struct {
	history HistoryProvider
	log     zerolog.Logger
	now     func() time.Time
}

// NewScanner creates a scanner
func NewScanner(history HistoryProvider, log zerolog.Logger) *Scanner {
	return &Scanner{
		history: history,
		log:     log.With().Str("component", "pattern_scanner").Logger(),
		now:     time.Now,
	}
}

// Scan checks every symbol. A symbol whose history cannot be fetched is
// skipped; the scan fails only if every symbol failed.
func (s *Scanner) Scan(ctx context.Context, symbols []string) ([]domain.Pattern, error) {
	var found []domain.Pattern
	var errs []error

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		closes, err := s.history.DailyCloses(ctx, symbol, HistoryDays)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to fetch history")
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}

		found = append(found, s.Detect(symbol, closes)...)
	}

	if len(symbols) > 0 && len(errs) == len(symbols) {
		return nil, fmt.Errorf("pattern scan failed for every symbol: %w", errors.Join(errs...))
	}
	return found, nil
}

// Detect runs every check over closes (oldest first)
func (s *Scanner) Detect(symbol string, closes []float64) []domain.Pattern {
	if len(closes) < MinHistory {
		return nil
	}

	now := s.now()
	var out []domain.Pattern
	add := func(name, direction string, strength float64, detail string) {
		out = append(out, domain.Pattern{
			Symbol:     symbol,
			Name:       name,
			Direction:  direction,
			Strength:   math.Min(1, math.Max(0, strength)),
			Detail:     detail,
			DetectedAt: now,
		})
	}

	last := closes[len(closes)-1]

	rsi := talib.Rsi(closes, rsiPeriod)
	if r := rsi[len(rsi)-1]; !math.IsNaN(r) {
		switch {
		case r >= 70:
			add(RSIOverbought, Bearish, (r-70)/30, fmt.Sprintf("RSI(14) %.1f", r))
		case r <= 30:
			add(RSIOversold, Bullish, (30-r)/30, fmt.Sprintf("RSI(14) %.1f", r))
		}
	}

	fast := talib.Sma(closes, fastPeriod)
	slow := talib.Sma(closes, slowPeriod)
	n := len(closes)
	prevDiff := fast[n-2] - slow[n-2]
	diff := fast[n-1] - slow[n-1]
	if prevDiff <= 0 && diff > 0 {
		add(GoldenCross, Bullish, 0.7, "SMA20 crossed above SMA50")
	} else if prevDiff >= 0 && diff < 0 {
		add(DeathCross, Bearish, 0.7, "SMA20 crossed below SMA50")
	}

	upper, middle, lower := talib.BBands(closes, bandPeriod, bandDeviations, bandDeviations, talib.SMA)
	u, m, l := upper[n-1], middle[n-1], lower[n-1]
	if width := u - l; width > 0 {
		if last > u {
			add(BollingerBreakout, Bullish, (last-u)/width*2, fmt.Sprintf("close %.2f above upper band %.2f", last, u))
		} else if last < l {
			add(BollingerBreakdown, Bearish, (l-last)/width*2, fmt.Sprintf("close %.2f below lower band %.2f (mid %.2f)", last, l, m))
		}
	}

	if z, ok := lastReturnZScore(closes); ok && math.Abs(z) >= zScoreCutoff {
		direction := Bullish
		if z < 0 {
			direction = Bearish
		}
		add(UnusualMove, direction, math.Abs(z)/5, fmt.Sprintf("daily return z-score %.2f", z))
	}

	return out
}

// lastReturnZScore compares the latest daily return with the distribution of earlier ones
func lastReturnZScore(closes []float64) (float64, bool) {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 20 {
		return 0, false
	}

	history := returns[:len(returns)-1]
	mean, std := stat.MeanStdDev(history, nil)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return (returns[len(returns)-1] - mean) / std, true
}
