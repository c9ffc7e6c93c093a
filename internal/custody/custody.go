// Package custody gives the ledger one transfer/balance surface over the
// four supported asset standards. The ledger never branches on a standard
// beyond resolving the adapter; settlement stays standard-agnostic.
package custody

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/store"
)

// ErrTransferFailed is returned when the underlying custody primitive
// rejects a transfer: wrong holder, insufficient balance, bad amount.
var ErrTransferFailed = errors.New("asset transfer failed")

// Adapter is the capability set implemented per asset standard. PullIn moves
// the asset from a holder into ledger escrow; PushOut releases it from
// escrow to a recipient.
type Adapter interface {
	Standard() domain.AssetStandard
	PullIn(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, from domain.Address) error
	PushOut(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, to domain.Address) error
	Balance(ctx context.Context, tx store.Tx, asset domain.Address, assetID int64, holder domain.Address) (int64, error)
}

// Resolve looks up the asset's registered standard and returns its adapter.
func Resolve(ctx context.Context, tx store.Tx, asset domain.Address) (Adapter, error) {
	std, err := tx.StandardOf(ctx, asset)
	if err != nil {
		return nil, err
	}
	switch std {
	case domain.StandardERC721:
		return erc721{}, nil
	case domain.StandardCryptoPunks:
		return cryptoPunks{}, nil
	case domain.StandardERC1155:
		return multiUnit{std: domain.StandardERC1155}, nil
	case domain.StandardERC3525:
		return multiUnit{std: domain.StandardERC3525}, nil
	}
	return nil, errors.Wrapf(ErrTransferFailed, "unsupported standard %d", std)
}

// erc721 is single-owner custody: one holder per id, amount is always 1.
type erc721 struct{}

func (erc721) Standard() domain.AssetStandard { return domain.StandardERC721 }

func (erc721) PullIn(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, from domain.Address) error {
	if amount != 1 {
		return errors.Wrap(ErrTransferFailed, "erc721 amount must be 1")
	}
	return moveSingle(ctx, tx, asset, assetID, from, domain.EscrowAddress)
}

func (erc721) PushOut(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, to domain.Address) error {
	if amount != 1 {
		return errors.Wrap(ErrTransferFailed, "erc721 amount must be 1")
	}
	return moveSingle(ctx, tx, asset, assetID, domain.EscrowAddress, to)
}

func (erc721) Balance(ctx context.Context, tx store.Tx, asset domain.Address, assetID int64, holder domain.Address) (int64, error) {
	return singleBalance(ctx, tx, asset, assetID, holder)
}

// cryptoPunks is the second single-owner variant. Punk transfers carry no
// amount on the wire, so the field is ignored rather than validated.
type cryptoPunks struct{}

func (cryptoPunks) Standard() domain.AssetStandard { return domain.StandardCryptoPunks }

func (cryptoPunks) PullIn(ctx context.Context, tx store.Tx, asset domain.Address, assetID, _ int64, from domain.Address) error {
	return moveSingle(ctx, tx, asset, assetID, from, domain.EscrowAddress)
}

func (cryptoPunks) PushOut(ctx context.Context, tx store.Tx, asset domain.Address, assetID, _ int64, to domain.Address) error {
	return moveSingle(ctx, tx, asset, assetID, domain.EscrowAddress, to)
}

func (cryptoPunks) Balance(ctx context.Context, tx store.Tx, asset domain.Address, assetID int64, holder domain.Address) (int64, error) {
	return singleBalance(ctx, tx, asset, assetID, holder)
}

// multiUnit is balance-based custody shared by ERC-1155 and ERC-3525: a
// holder owns a non-negative quantity per id and transfers move amounts.
type multiUnit struct {
	std domain.AssetStandard
}

func (m multiUnit) Standard() domain.AssetStandard { return m.std }

func (m multiUnit) PullIn(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, from domain.Address) error {
	return m.move(ctx, tx, asset, assetID, amount, from, domain.EscrowAddress)
}

func (m multiUnit) PushOut(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, to domain.Address) error {
	return m.move(ctx, tx, asset, assetID, amount, domain.EscrowAddress, to)
}

func (m multiUnit) Balance(ctx context.Context, tx store.Tx, asset domain.Address, assetID int64, holder domain.Address) (int64, error) {
	return tx.UnitBalance(ctx, asset, assetID, holder)
}

func (m multiUnit) move(ctx context.Context, tx store.Tx, asset domain.Address, assetID, amount int64, from, to domain.Address) error {
	if amount < 1 {
		return errors.Wrapf(ErrTransferFailed, "%s amount must be positive", m.std)
	}
	if err := tx.AddUnits(ctx, asset, assetID, from, -amount); err != nil {
		if errors.Is(err, store.ErrInsufficientUnits) {
			return errors.Wrapf(ErrTransferFailed, "%s balance below %d", m.std, amount)
		}
		return err
	}
	return tx.AddUnits(ctx, asset, assetID, to, amount)
}

func moveSingle(ctx context.Context, tx store.Tx, asset domain.Address, assetID int64, from, to domain.Address) error {
	holder, err := tx.HolderOf(ctx, asset, assetID)
	if err != nil {
		return err
	}
	if holder != from {
		return errors.Wrap(ErrTransferFailed, fmt.Sprintf("id %d not held by %s", assetID, from))
	}
	return tx.SetHolder(ctx, asset, assetID, to)
}

func singleBalance(ctx context.Context, tx store.Tx, asset domain.Address, assetID int64, holder domain.Address) (int64, error) {
	h, err := tx.HolderOf(ctx, asset, assetID)
	if err != nil {
		return 0, err
	}
	if h == holder {
		return 1, nil
	}
	return 0, nil
}
