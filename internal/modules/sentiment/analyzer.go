// Package sentiment labels news headlines as positive, negative or neutral.
package sentiment

import (
	"context"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/domain"
)

var positiveWords = map[string]float64{
	"beat": 1, "beats": 1, "surge": 1.5, "surges": 1.5, "soar": 1.5, "soars": 1.5,
	"rally": 1, "rallies": 1, "gain": 1, "gains": 1, "jump": 1, "jumps": 1,
	"record": 0.5, "upgrade": 1.5, "upgraded": 1.5, "growth": 1, "profit": 1,
	"profits": 1, "strong": 1, "bullish": 1.5, "outperform": 1.5, "rise": 1,
	"rises": 1, "boost": 1, "boosts": 1, "approval": 1, "approved": 1, "raises": 1,
}

var negativeWords = map[string]float64{
	"miss": 1, "misses": 1, "plunge": 1.5, "plunges": 1.5, "crash": 2, "crashes": 2,
	"fall": 1, "falls": 1, "drop": 1, "drops": 1, "slump": 1.5, "slumps": 1.5,
	"downgrade": 1.5, "downgraded": 1.5, "loss": 1, "losses": 1, "weak": 1,
	"bearish": 1.5, "underperform": 1.5, "lawsuit": 1, "probe": 1, "recall": 1,
	"layoffs": 1, "cuts": 1, "warns": 1, "warning": 1, "bankruptcy": 2, "fraud": 2,
}

var negators = map[string]bool{"not": true, "no": true, "never": true, "without": true}

// Threshold is the absolute score above which a headline stops being neutral
const Threshold = 0.5

// Analyzer scores headlines with a word lexicon
type Analyzer struct {
	log zerolog.Logger
}

// NewAnalyzer creates a lexicon analyzer
func NewAnalyzer(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log.With().Str("component", "sentiment").Logger()}
}

// Analyze returns a label for every item, keyed by item ID
func (a *Analyzer) Analyze(ctx context.Context, items []domain.NewsItem) (map[string]domain.SentimentLabel, error) {
	labels := make(map[string]domain.SentimentLabel, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		labels[it.ID] = Classify(it.Headline)
	}
	a.log.Debug().Int("items", len(items)).Msg("Analyzed headlines")
	return labels, nil
}

// Score returns the lexicon score of text. Positive is bullish.
func Score(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	score := 0.0
	for i, w := range words {
		v := positiveWords[w] - negativeWords[w]
		if v == 0 {
			continue
		}
		if i > 0 && negators[words[i-1]] {
			v = -v
		}
		score += v
	}
	return score
}

// Classify maps a headline to a label
func Classify(text string) domain.SentimentLabel {
	s := Score(text)
	switch {
	case s > Threshold:
		return domain.SentimentPositive
	case s < -Threshold:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}
