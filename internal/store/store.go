// Package store defines the persistence boundary of the rental ledger. A
// Store opens atomic units of work; every public ledger operation runs as
// exactly one Tx, so a failing batch entry rolls back the whole call.
package store

import (
	"context"
	"errors"
	"math/big"

	"github.com/tokenrent/rentledger/internal/domain"
)

var (
	ErrListingNotFound       = errors.New("listing not found")
	ErrUnknownAsset          = errors.New("asset standard not registered")
	ErrUnknownPaymentToken   = errors.New("payment token not registered")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientUnits     = errors.New("insufficient asset balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrIdempotencyConflict   = errors.New("request in progress")
)

// PaymentTokenInfo is one row of the fungible-payment-token registry.
// Token id 0 (native currency) is implicit and never stored.
type PaymentTokenInfo struct {
	ID           uint8
	AssetAddress domain.Address
	Decimals     int
}

// Tx is one atomic unit of work over the ledger state.
type Tx interface {
	// Listings.
	NextLendingID(ctx context.Context) (int64, error)
	InsertListing(ctx context.Context, l *domain.Listing) error
	// GetListing locks the row for the remainder of the transaction on
	// backends that support row locking.
	GetListing(ctx context.Context, lendingID int64) (*domain.Listing, error)
	UpdateListing(ctx context.Context, l *domain.Listing) error

	// Asset-standard registry.
	StandardOf(ctx context.Context, asset domain.Address) (domain.AssetStandard, error)
	RegisterAsset(ctx context.Context, asset domain.Address, std domain.AssetStandard) error

	// Single-owner holdings.
	HolderOf(ctx context.Context, asset domain.Address, assetID int64) (domain.Address, error)
	SetHolder(ctx context.Context, asset domain.Address, assetID int64, holder domain.Address) error

	// Multi-unit balances. AddUnits fails with ErrInsufficientUnits when the
	// resulting balance would go negative.
	UnitBalance(ctx context.Context, asset domain.Address, assetID int64, holder domain.Address) (int64, error)
	AddUnits(ctx context.Context, asset domain.Address, assetID int64, holder domain.Address, delta int64) error

	// Fungible/native fund balances in base units. AddFunds fails with
	// ErrInsufficientFunds when the resulting balance would go negative.
	FundBalance(ctx context.Context, holder domain.Address, token uint8) (*big.Int, error)
	AddFunds(ctx context.Context, holder domain.Address, token uint8, delta *big.Int) error

	// Escrow pull authorizations for fungible payment tokens.
	Allowance(ctx context.Context, owner domain.Address, token uint8) (*big.Int, error)
	SetAllowance(ctx context.Context, owner domain.Address, token uint8, amount *big.Int) error
	SpendAllowance(ctx context.Context, owner domain.Address, token uint8, amount *big.Int) error

	// Payment-token registry.
	PaymentToken(ctx context.Context, token uint8) (*PaymentTokenInfo, error)
	RegisterPaymentToken(ctx context.Context, info PaymentTokenInfo) error

	// Fee/beneficiary configuration row.
	EngineConfig(ctx context.Context) (feeBps int, beneficiary domain.Address, err error)
	PutEngineConfig(ctx context.Context, feeBps int, beneficiary domain.Address) error

	// Audit log.
	AppendEvent(ctx context.Context, ev domain.Event) error

	// Idempotency protocol: Get returns (nil, nil) for an unknown key;
	// Reserve fails with ErrIdempotencyConflict when the key is already
	// reserved by a concurrent call.
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	ReserveIdempotency(ctx context.Context, key, requestHash string) error
	FinalizeIdempotency(ctx context.Context, key string, status int, body []byte) error
}

// Store opens transactions and serves lock-free reads.
type Store interface {
	// Atomic runs fn in one transaction; fn returning an error rolls back
	// every effect.
	Atomic(ctx context.Context, fn func(Tx) error) error

	// Read-only accessors outside any transaction.
	GetListing(ctx context.Context, lendingID int64) (*domain.Listing, error)
	EngineConfig(ctx context.Context) (feeBps int, beneficiary domain.Address, err error)

	Close()
}
