package payout

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
)

// MetaPayoutID is sent with every transfer so its webhook can be matched even
// when the transfer id was never recorded.
const MetaPayoutID = "payout_id"

var (
	errInsufficientFunds = errors.New("payout: amount exceeds available funds")
	errNothingAvailable  = errors.New("payout: no funds available")
	errFeeExceedsAmount  = errors.New("payout: amount does not cover the transfer fee")
)

// PercentOf returns ceil(amount * pct / 100) in minor units.
func PercentOf(amount int64, pct float64) int64 {
	if amount <= 0 || pct <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Ceil().
		IntPart()
}

// Summarize derives the funds breakdown from a ledger snapshot.
//
//	available = completed donations - (completed + processing payouts) - platform fee
//
// clamped at zero. Pending payouts are reported but not deducted here;
// RequestPayout deducts them under the project lock.
func Summarize(snap ledger.FundsSnapshot, platformFeePct float64) FundsSummary {
	fee := PercentOf(snap.CompletedDonations, platformFeePct)
	available := snap.CompletedDonations - (snap.CompletedPayouts + snap.ProcessingPayouts) - fee
	if available < 0 {
		available = 0
	}
	return FundsSummary{
		CompletedDonations:    snap.CompletedDonations,
		PlatformFee:           fee,
		PlatformFeePercentage: platformFeePct,
		CompletedPayouts:      snap.CompletedPayouts,
		ProcessingPayouts:     snap.ProcessingPayouts,
		PendingPayouts:        snap.PendingPayouts,
		Available:             available,
	}
}

// Requestable is what a new payout may take right now.
func (f FundsSummary) Requestable() int64 {
	if f.Available <= f.PendingPayouts {
		return 0
	}
	return f.Available - f.PendingPayouts
}
