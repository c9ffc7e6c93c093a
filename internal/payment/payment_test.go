package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/store"
	"github.com/tokenrent/rentledger/internal/store/memory"
)

const (
	payer     = domain.Address("payer")
	recipient = domain.Address("recipient")

	usdToken uint8 = 1
)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	err := st.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.RegisterPaymentToken(ctx, store.PaymentTokenInfo{ID: usdToken, AssetAddress: "token:usd", Decimals: 6}); err != nil {
			return err
		}
		if err := tx.AddFunds(ctx, payer, domain.NativeToken, big.NewInt(1000)); err != nil {
			return err
		}
		return tx.AddFunds(ctx, payer, usdToken, big.NewInt(1000))
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return st
}

func inTx(t *testing.T, st *memory.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := st.Atomic(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestResolveNative(t *testing.T) {
	st := seeded(t)
	inTx(t, st, func(tx store.Tx) error {
		info, err := Resolve(context.Background(), tx, domain.NativeToken)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !info.Native() {
			t.Error("native token not recognized")
		}
		if info.Decimals != NativeDecimals {
			t.Errorf("decimals = %d, want %d", info.Decimals, NativeDecimals)
		}
		want := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		if info.Scale.Cmp(want) != 0 {
			t.Errorf("scale = %s, want %s", info.Scale, want)
		}
		return nil
	})
}

func TestResolveRegistered(t *testing.T) {
	st := seeded(t)
	inTx(t, st, func(tx store.Tx) error {
		info, err := Resolve(context.Background(), tx, usdToken)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if info.Native() {
			t.Error("registered token reported as native")
		}
		if info.Decimals != 6 || info.Scale.Cmp(big.NewInt(1_000_000)) != 0 {
			t.Errorf("decimals/scale = %d/%s, want 6/1000000", info.Decimals, info.Scale)
		}

		_, err = Resolve(context.Background(), tx, 9)
		if !errors.Is(err, store.ErrUnknownPaymentToken) {
			t.Errorf("unknown id: error = %v, want ErrUnknownPaymentToken", err)
		}
		return nil
	})
}

func TestCollectNative(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		attached *big.Int
		wantErr  error
		payerEnd int64
	}{
		{"exact attachment", 100, big.NewInt(100), nil, 900},
		{"surplus stays with payer", 100, big.NewInt(500), nil, 900},
		{"short attachment", 100, big.NewInt(99), ErrInsufficientPayment, 1000},
		{"missing attachment", 100, nil, ErrInsufficientPayment, 1000},
		{"balance below amount", 2000, big.NewInt(2000), ErrInsufficientPayment, 1000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := seeded(t)
			ctx := context.Background()
			err := st.Atomic(ctx, func(tx store.Tx) error {
				info, _ := Resolve(ctx, tx, domain.NativeToken)
				return Collect(ctx, tx, payer, info, big.NewInt(tc.amount), tc.attached)
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
			var bal *big.Int
			st.Atomic(ctx, func(tx store.Tx) error {
				bal, _ = tx.FundBalance(ctx, payer, domain.NativeToken)
				return nil
			})
			if bal.Cmp(big.NewInt(tc.payerEnd)) != 0 {
				t.Errorf("payer balance = %s, want %d", bal, tc.payerEnd)
			}
		})
	}
}

func TestCollectFungibleSpendsAllowance(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()

	collect := func(amount int64) error {
		return st.Atomic(ctx, func(tx store.Tx) error {
			info, err := Resolve(ctx, tx, usdToken)
			if err != nil {
				return err
			}
			return Collect(ctx, tx, payer, info, big.NewInt(amount), nil)
		})
	}

	if err := collect(100); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("no allowance: error = %v, want ErrInsufficientAllowance", err)
	}

	inTx(t, st, func(tx store.Tx) error {
		return tx.SetAllowance(ctx, payer, usdToken, big.NewInt(150))
	})
	if err := collect(100); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if err := collect(100); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("exhausted allowance: error = %v, want ErrInsufficientAllowance", err)
	}

	inTx(t, st, func(tx store.Tx) error {
		bal, _ := tx.FundBalance(ctx, domain.EscrowAddress, usdToken)
		if bal.Cmp(big.NewInt(100)) != 0 {
			t.Errorf("escrow balance = %s, want 100", bal)
		}
		remaining, _ := tx.Allowance(ctx, payer, usdToken)
		if remaining.Cmp(big.NewInt(50)) != 0 {
			t.Errorf("remaining allowance = %s, want 50", remaining)
		}
		return nil
	})
}

func TestDisburse(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()

	inTx(t, st, func(tx store.Tx) error {
		info, _ := Resolve(ctx, tx, domain.NativeToken)
		if err := Collect(ctx, tx, payer, info, big.NewInt(300), big.NewInt(300)); err != nil {
			return err
		}
		if err := Disburse(ctx, tx, recipient, info, big.NewInt(200)); err != nil {
			return err
		}
		// Zero amounts are skipped without touching escrow.
		if err := Disburse(ctx, tx, recipient, info, new(big.Int)); err != nil {
			return err
		}
		bal, _ := tx.FundBalance(ctx, recipient, domain.NativeToken)
		if bal.Cmp(big.NewInt(200)) != 0 {
			t.Errorf("recipient balance = %s, want 200", bal)
		}
		escrow, _ := tx.FundBalance(ctx, domain.EscrowAddress, domain.NativeToken)
		if escrow.Cmp(big.NewInt(100)) != 0 {
			t.Errorf("escrow balance = %s, want 100", escrow)
		}
		return nil
	})
}
