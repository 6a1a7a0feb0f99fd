// Package alerts evaluates user-defined price alerts against incoming quotes.
package alerts

import (
	"sort"

	"github.com/aristath/pulse/internal/domain"
)

// PriceLookup returns the previously recorded price of a symbol
type PriceLookup interface {
	Previous(symbol string) (float64, bool)
}

// Trigger is an alert that fired and the price that fired it
type Trigger struct {
	Alert        domain.PriceAlert
	CurrentPrice float64
}

// Result of one evaluation pass
type Result struct {
	Triggered []Trigger
	// MissingSymbols lists alert symbols with no quote in the batch, sorted
	MissingSymbols []string
}

// Evaluate returns the alerts that fire for the quote batch. Alerts already
// triggered never fire. Percent conditions need a previous price and are
// skipped when there is none. The result does not depend on the order of
// quotes or alerts.
func Evaluate(quotes []domain.Quote, active []domain.PriceAlert, previous PriceLookup) Result {
	prices := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.Price
	}

	var result Result
	missing := make(map[string]bool)

	for _, alert := range active {
		if alert.Triggered {
			continue
		}

		current, ok := prices[alert.Symbol]
		if !ok {
			missing[alert.Symbol] = true
			continue
		}

		if fires(alert, current, previous) {
			result.Triggered = append(result.Triggered, Trigger{Alert: alert, CurrentPrice: current})
		}
	}

	sort.Slice(result.Triggered, func(i, j int) bool {
		return result.Triggered[i].Alert.ID < result.Triggered[j].Alert.ID
	})

	for sym := range missing {
		result.MissingSymbols = append(result.MissingSymbols, sym)
	}
	sort.Strings(result.MissingSymbols)

	return result
}

func fires(alert domain.PriceAlert, current float64, previous PriceLookup) bool {
	switch alert.Condition {
	case domain.ConditionAbove:
		return current >= alert.Value
	case domain.ConditionBelow:
		return current <= alert.Value
	case domain.ConditionPercentUp, domain.ConditionPercentDown:
		if previous == nil {
			return false
		}
		prev, ok := previous.Previous(alert.Symbol)
		if !ok || prev == 0 {
			return false
		}
		change := (current - prev) / prev * 100
		if alert.Condition == domain.ConditionPercentDown {
			change = -change
		}
		return change >= alert.Value
	}
	return false
}
