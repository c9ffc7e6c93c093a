package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/store"
	"github.com/tokenrent/rentledger/internal/store/memory"
)

const (
	owner    = domain.Address("owner")
	stranger = domain.Address("stranger")

	artNFT    = domain.Address("nft:art")
	punkBlock = domain.Address("punk:block")
	gameItems = domain.Address("game:items")
	slotBond  = domain.Address("sft:bond")
)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	err := st.Atomic(ctx, func(tx store.Tx) error {
		tx.RegisterAsset(ctx, artNFT, domain.StandardERC721)
		tx.RegisterAsset(ctx, punkBlock, domain.StandardCryptoPunks)
		tx.RegisterAsset(ctx, gameItems, domain.StandardERC1155)
		tx.RegisterAsset(ctx, slotBond, domain.StandardERC3525)
		tx.SetHolder(ctx, artNFT, 1, owner)
		tx.SetHolder(ctx, punkBlock, 1, owner)
		tx.AddUnits(ctx, gameItems, 1, owner, 10)
		return tx.AddUnits(ctx, slotBond, 1, owner, 10)
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return st
}

// inTx runs fn in one transaction and fails the test on error.
func inTx(t *testing.T, st *memory.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := st.Atomic(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestResolveMapsStandards(t *testing.T) {
	st := seeded(t)
	tests := []struct {
		asset domain.Address
		want  domain.AssetStandard
	}{
		{artNFT, domain.StandardERC721},
		{punkBlock, domain.StandardCryptoPunks},
		{gameItems, domain.StandardERC1155},
		{slotBond, domain.StandardERC3525},
	}
	inTx(t, st, func(tx store.Tx) error {
		for _, tc := range tests {
			a, err := Resolve(context.Background(), tx, tc.asset)
			if err != nil {
				t.Errorf("Resolve(%s) failed: %v", tc.asset, err)
				continue
			}
			if a.Standard() != tc.want {
				t.Errorf("Resolve(%s).Standard() = %s, want %s", tc.asset, a.Standard(), tc.want)
			}
		}
		return nil
	})
}

func TestResolveUnknownAsset(t *testing.T) {
	st := seeded(t)
	inTx(t, st, func(tx store.Tx) error {
		_, err := Resolve(context.Background(), tx, "nft:ghost")
		if !errors.Is(err, store.ErrUnknownAsset) {
			t.Errorf("error = %v, want ErrUnknownAsset", err)
		}
		return nil
	})
}

func TestSingleOwnerRoundTrip(t *testing.T) {
	for _, asset := range []domain.Address{artNFT, punkBlock} {
		t.Run(string(asset), func(t *testing.T) {
			st := seeded(t)
			ctx := context.Background()
			inTx(t, st, func(tx store.Tx) error {
				a, err := Resolve(ctx, tx, asset)
				if err != nil {
					return err
				}
				if err := a.PullIn(ctx, tx, asset, 1, 1, owner); err != nil {
					t.Fatalf("PullIn failed: %v", err)
				}
				h, _ := tx.HolderOf(ctx, asset, 1)
				if h != domain.EscrowAddress {
					t.Fatalf("holder after pull = %s, want escrow", h)
				}
				bal, _ := a.Balance(ctx, tx, asset, 1, owner)
				if bal != 0 {
					t.Errorf("owner balance after pull = %d, want 0", bal)
				}
				if err := a.PushOut(ctx, tx, asset, 1, 1, stranger); err != nil {
					t.Fatalf("PushOut failed: %v", err)
				}
				bal, _ = a.Balance(ctx, tx, asset, 1, stranger)
				if bal != 1 {
					t.Errorf("recipient balance after push = %d, want 1", bal)
				}
				return nil
			})
		})
	}
}

func TestERC721AmountMustBeOne(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()
	inTx(t, st, func(tx store.Tx) error {
		err := erc721{}.PullIn(ctx, tx, artNFT, 1, 2, owner)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("PullIn amount 2: error = %v, want ErrTransferFailed", err)
		}
		err = erc721{}.PushOut(ctx, tx, artNFT, 1, 0, owner)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("PushOut amount 0: error = %v, want ErrTransferFailed", err)
		}
		return nil
	})
}

func TestCryptoPunksIgnoresAmount(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()
	inTx(t, st, func(tx store.Tx) error {
		// Punk transfers carry no amount on the wire; any value passes through.
		if err := (cryptoPunks{}).PullIn(ctx, tx, punkBlock, 1, 0, owner); err != nil {
			t.Fatalf("PullIn failed: %v", err)
		}
		h, _ := tx.HolderOf(ctx, punkBlock, 1)
		if h != domain.EscrowAddress {
			t.Errorf("holder = %s, want escrow", h)
		}
		return nil
	})
}

func TestPullFromNonHolderFails(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()
	inTx(t, st, func(tx store.Tx) error {
		err := erc721{}.PullIn(ctx, tx, artNFT, 1, 1, stranger)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("error = %v, want ErrTransferFailed", err)
		}
		h, _ := tx.HolderOf(ctx, artNFT, 1)
		if h != owner {
			t.Errorf("holder moved on failed pull: %s", h)
		}
		return nil
	})
}

func TestMultiUnitPartialMoves(t *testing.T) {
	st := seeded(t)
	ctx := context.Background()
	inTx(t, st, func(tx store.Tx) error {
		a, err := Resolve(ctx, tx, gameItems)
		if err != nil {
			return err
		}
		if err := a.PullIn(ctx, tx, gameItems, 1, 4, owner); err != nil {
			t.Fatalf("PullIn failed: %v", err)
		}
		bal, _ := a.Balance(ctx, tx, gameItems, 1, owner)
		if bal != 6 {
			t.Errorf("owner balance = %d, want 6", bal)
		}
		bal, _ = a.Balance(ctx, tx, gameItems, 1, domain.EscrowAddress)
		if bal != 4 {
			t.Errorf("escrow balance = %d, want 4", bal)
		}

		// Overdrawing the remaining balance fails and moves nothing.
		err = a.PullIn(ctx, tx, gameItems, 1, 7, owner)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("overdraw: error = %v, want ErrTransferFailed", err)
		}
		err = a.PullIn(ctx, tx, gameItems, 1, 0, owner)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("zero amount: error = %v, want ErrTransferFailed", err)
		}
		return nil
	})
}
