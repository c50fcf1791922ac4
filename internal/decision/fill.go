package decision

import (
	"math"

	"github.com/google/uuid"
)

// round2 rounds a money amount to fen precision.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// lotFloor floors shares to the nearest lot multiple.
func lotFloor(shares, lotSize int) int {
	if lotSize < 1 {
		return shares
	}
	return (shares / lotSize) * lotSize
}

// simulateFill executes the requested order against the account at the
// given price and mutates the account. spendable is the cash budget for
// buys after the reserve floor; the debit still comes from real cash.
// Insufficient cash or shares coerce to hold with an error tag but are
// not failures.
func simulateFill(account *Account, action, symbol string, requested int, price, spendable float64, feeRate float64, lotSize int, confidence float64, reasoning, timestamp string) SubDecision {
	sub := SubDecision{
		Action:            action,
		Symbol:            symbol,
		Quantity:          requested,
		RequestedQuantity: requested,
		Price:             price,
		Confidence:        confidence,
		Reasoning:         reasoning,
		OrderID:           uuid.New().String(),
		Timestamp:         timestamp,
		Success:           true,
	}

	switch action {
	case ActionBuy:
		budget := math.Min(spendable, account.Cash)
		affordable := 0
		if price > 0 && budget > 0 {
			affordable = int(math.Floor(budget / (price * (1 + feeRate))))
		}
		filled := lotFloor(minInt(requested, affordable), lotSize)
		if filled < lotSize || filled <= 0 {
			sub.Action = ActionHold
			sub.Quantity = 0
			sub.FilledQuantity = 0
			sub.Error = "insufficient_cash"
			return sub
		}

		notional := round2(float64(filled) * price)
		fee := round2(notional * feeRate)
		account.Cash = round2(account.Cash - notional - fee)

		h := account.Holdings[symbol]
		newShares := h.Shares + float64(filled)
		h.AvgCost = (h.Shares*h.AvgCost + float64(filled)*price) / newShares
		h.Shares = newShares
		h.Symbol = symbol
		h.MarkPrice = price
		account.Holdings[symbol] = h

		sub.Executed = true
		sub.FilledQuantity = filled
		sub.FilledNotional = notional
		sub.FeePaid = fee
		sub.Quantity = filled
		sub.StopLoss = ptr(round2(price * (1 - 0.015)))
		sub.TakeProfit = ptr(round2(price * (1 + 0.02)))

	case ActionSell:
		h, held := account.Holdings[symbol]
		available := 0
		if held {
			available = lotFloor(int(h.Shares), lotSize)
		}
		filled := minInt(requested, available)
		if filled <= 0 {
			sub.Action = ActionHold
			sub.Quantity = 0
			sub.FilledQuantity = 0
			sub.Error = "insufficient_shares"
			return sub
		}

		notional := round2(float64(filled) * price)
		fee := round2(notional * feeRate)
		realized := round2((price-h.AvgCost)*float64(filled) - fee)

		account.Cash = round2(account.Cash + notional - fee)
		h.Shares -= float64(filled)
		h.MarkPrice = price
		if h.Shares <= 0 {
			delete(account.Holdings, symbol)
		} else {
			account.Holdings[symbol] = h
		}

		sub.Executed = true
		sub.FilledQuantity = filled
		sub.FilledNotional = notional
		sub.FeePaid = fee
		sub.RealizedPnL = realized
		sub.Quantity = filled
		sub.StopLoss = ptr(round2(price * (1 + 0.015)))
		sub.TakeProfit = ptr(round2(price * (1 - 0.02)))

	default:
		sub.Action = ActionHold
		sub.Quantity = 0
	}

	return sub
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ptr(v float64) *float64 { return &v }
