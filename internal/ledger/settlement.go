package ledger

import "math/big"

// SecondsPerDay converts rental durations to the clock domain.
const SecondsPerDay = 86400

// Payout is the three-way disbursement of one settled rental, in base units
// of the listing's payment token. Conservation holds for both settlement
// paths: Owner + Renter + Fee == rent + collateral.
type Payout struct {
	Owner  *big.Int
	Renter *big.Int
	Fee    *big.Int
}

// proratedPayout settles an on-time return. The owner earns rent
// proportional to elapsed time (floor division); the renter recovers the
// unearned rent plus the full collateral; the fee is taken from the owner's
// gross, never from the renter.
func proratedPayout(rent, collateral *big.Int, elapsedSec, scheduledSec int64, feeBps int) Payout {
	if elapsedSec < 0 {
		elapsedSec = 0
	}
	if elapsedSec > scheduledSec {
		elapsedSec = scheduledSec
	}
	gross := new(big.Int).Mul(rent, big.NewInt(elapsedSec))
	gross.Div(gross, big.NewInt(scheduledSec))

	fee := feeOf(gross, feeBps)
	owner := new(big.Int).Sub(gross, fee)
	renter := new(big.Int).Sub(rent, gross)
	renter.Add(renter, collateral)
	return Payout{Owner: owner, Renter: renter, Fee: fee}
}

// forfeitPayout settles a missed deadline: the owner keeps the full prepaid
// rent (no proration) and the collateral; the renter gets nothing.
func forfeitPayout(rent, collateral *big.Int, feeBps int) Payout {
	fee := feeOf(rent, feeBps)
	owner := new(big.Int).Sub(rent, fee)
	owner.Add(owner, collateral)
	return Payout{Owner: owner, Renter: new(big.Int), Fee: fee}
}

func feeOf(gross *big.Int, bps int) *big.Int {
	f := new(big.Int).Mul(gross, big.NewInt(int64(bps)))
	return f.Div(f, big.NewInt(10000))
}
