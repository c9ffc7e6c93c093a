// Package payment resolves payment-token ids and moves funds between payer
// accounts and the ledger's escrow balance.
package payment

import (
	"context"
	"errors"
	"math/big"

	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/store"
)

var (
	// ErrInsufficientPayment covers a short native attachment and a payer
	// balance below the computed total.
	ErrInsufficientPayment = errors.New("insufficient payment")
	// ErrInsufficientAllowance means the escrow ledger is not authorized to
	// pull the computed total of a fungible token.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// NativeDecimals is the decimal scale of the native currency.
const NativeDecimals = 18

// Info describes a resolved payment token.
type Info struct {
	Token        uint8
	AssetAddress domain.Address
	Decimals     int
	Scale        *big.Int // 10^Decimals
}

func (i Info) Native() bool { return i.Token == domain.NativeToken }

// Scale returns 10^decimals.
func Scale(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// Resolve maps token id 0 to the native currency and any other id through
// the registry. Unknown ids surface store.ErrUnknownPaymentToken.
func Resolve(ctx context.Context, tx store.Tx, token uint8) (Info, error) {
	if token == domain.NativeToken {
		return Info{Token: token, Decimals: NativeDecimals, Scale: Scale(NativeDecimals)}, nil
	}
	reg, err := tx.PaymentToken(ctx, token)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Token:        token,
		AssetAddress: reg.AssetAddress,
		Decimals:     reg.Decimals,
		Scale:        Scale(reg.Decimals),
	}, nil
}

// Collect moves amount (base units) from the payer into escrow. Native
// payments require attached >= amount; only amount is debited, the
// remainder stays with the payer. Fungible payments spend the payer's
// pre-set allowance before pulling the balance.
func Collect(ctx context.Context, tx store.Tx, payer domain.Address, info Info, amount, attached *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if info.Native() {
		if attached == nil || attached.Cmp(amount) < 0 {
			return ErrInsufficientPayment
		}
	} else {
		if err := tx.SpendAllowance(ctx, payer, info.Token, amount); err != nil {
			if errors.Is(err, store.ErrInsufficientAllowance) {
				return ErrInsufficientAllowance
			}
			return err
		}
	}
	if err := tx.AddFunds(ctx, payer, info.Token, new(big.Int).Neg(amount)); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return ErrInsufficientPayment
		}
		return err
	}
	return tx.AddFunds(ctx, domain.EscrowAddress, info.Token, amount)
}

// Disburse releases amount (base units) from escrow to the recipient.
// Zero amounts are skipped.
func Disburse(ctx context.Context, tx store.Tx, to domain.Address, info Info, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if err := tx.AddFunds(ctx, domain.EscrowAddress, info.Token, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	return tx.AddFunds(ctx, to, info.Token, amount)
}
