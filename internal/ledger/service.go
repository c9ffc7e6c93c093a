// Package ledger owns the per-listing state machine
// (Listed -> Rented -> Closed), the settlement arithmetic, and the fee/admin
// controller. Every public operation is batched and executes as one store
// transaction: any entry failing rolls back the entire call.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokenrent/rentledger/internal/custody"
	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/events"
	"github.com/tokenrent/rentledger/internal/payment"
	"github.com/tokenrent/rentledger/internal/price"
	"github.com/tokenrent/rentledger/internal/store"
)

var (
	ErrEmptyBatch          = errors.New("empty batch")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrZeroDuration        = errors.New("zero duration not allowed")
	ErrDurationExceedsMax  = errors.New("duration exceeds listing maximum")
	ErrNotListed           = errors.New("listing is not listed")
	ErrNotRented           = errors.New("listing is not rented")
	ErrCurrentlyRented     = errors.New("listing is currently rented")
	ErrOwnerCannotRent     = errors.New("owner cannot rent own listing")
	ErrNotRenter           = errors.New("caller is not the renter")
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrNotAdmin            = errors.New("caller is not the administrator")
	ErrDeadlinePassed      = errors.New("return deadline has passed")
	ErrTooEarly            = errors.New("return deadline has not passed")
	ErrAssetMismatch       = errors.New("asset identity does not match listing")
	ErrFeeRateTooHigh      = errors.New("fee rate exceeds ceiling")
	ErrNativeApproval      = errors.New("native currency requires no allowance")
	ErrIdempotencyMismatch = errors.New("idempotency key reuse with mismatched payload")
)

const (
	// FeeCeilingBps caps the rent fee at 5%.
	FeeCeilingBps = 500
	// DefaultFeeBps is the fee rate installed at first boot.
	DefaultFeeBps = 100
)

// Service is the rental ledger engine.
type Service struct {
	store store.Store
	pub   events.Publisher
	admin domain.Address
	now   func() time.Time
}

func New(st store.Store, pub events.Publisher, admin domain.Address) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{store: st, pub: pub, admin: admin, now: time.Now}
}

// EnsureConfig installs the default fee rate and the configured beneficiary
// on first boot; subsequent boots leave admin-set values alone.
func (s *Service) EnsureConfig(ctx context.Context, beneficiary domain.Address) error {
	return s.store.Atomic(ctx, func(tx store.Tx) error {
		_, current, err := tx.EngineConfig(ctx)
		if err != nil {
			return err
		}
		if current != "" {
			return nil
		}
		return tx.PutEngineConfig(ctx, DefaultFeeBps, beneficiary)
	})
}

// GetListing is the read path for listing detail.
func (s *Service) GetListing(ctx context.Context, lendingID int64) (*domain.Listing, error) {
	return s.store.GetListing(ctx, lendingID)
}

// Lend creates one listing per entry, pulling each asset into escrow
// custody and assigning a fresh lending id.
func (s *Service) Lend(ctx context.Context, caller domain.Address, entries []domain.LendEntry, idemKey, reqHash string) (*domain.LendResponse, *domain.IdempotencyRecord, error) {
	if len(entries) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	out, replay, err := s.run(ctx, idemKey, reqHash, func(ctx context.Context, tx store.Tx, now time.Time) (any, []domain.Event, error) {
		resp := &domain.LendResponse{LendingIDs: make([]int64, 0, len(entries))}
		var evs []domain.Event
		for _, e := range entries {
			if e.MaxRentDurationDays < 1 {
				return nil, nil, ErrZeroDuration
			}
			if e.Amount < 1 {
				return nil, nil, ErrInvalidAmount
			}
			daily, err := price.Encode(e.DailyRentPrice)
			if err != nil {
				return nil, nil, err
			}
			collateral, err := price.Encode(e.CollateralValue)
			if err != nil {
				return nil, nil, err
			}
			if _, err := payment.Resolve(ctx, tx, e.PaymentToken); err != nil {
				return nil, nil, err
			}
			adapter, err := custody.Resolve(ctx, tx, e.AssetAddress)
			if err != nil {
				return nil, nil, err
			}
			if err := adapter.PullIn(ctx, tx, e.AssetAddress, e.AssetID, e.Amount, caller); err != nil {
				return nil, nil, err
			}
			id, err := tx.NextLendingID(ctx)
			if err != nil {
				return nil, nil, err
			}
			l := &domain.Listing{
				LendingID:           id,
				AssetAddress:        e.AssetAddress,
				AssetID:             e.AssetID,
				Standard:            adapter.Standard(),
				Amount:              e.Amount,
				Owner:               caller,
				MaxRentDurationDays: e.MaxRentDurationDays,
				DailyRentPrice:      daily,
				CollateralValue:     collateral,
				PaymentToken:        e.PaymentToken,
				Status:              domain.StatusListed,
				CreatedAt:           now,
			}
			if err := tx.InsertListing(ctx, l); err != nil {
				return nil, nil, err
			}
			resp.LendingIDs = append(resp.LendingIDs, id)
			evs = append(evs, newEvent(domain.EventListed, l, now))
		}
		return resp, evs, nil
	})
	if err != nil || replay != nil {
		return nil, replay, err
	}
	return out.(*domain.LendResponse), nil, nil
}

// Rent moves each listed entry to Rented, collecting collateral plus
// prepaid rent into escrow. Entries may mix payment tokens; each entry's
// payment is collected independently.
func (s *Service) Rent(ctx context.Context, caller domain.Address, entries []domain.RentEntry, idemKey, reqHash string) (*domain.RentResponse, *domain.IdempotencyRecord, error) {
	if len(entries) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.LendingID)
	}
	out, replay, err := s.run(ctx, idemKey, reqHash, func(ctx context.Context, tx store.Tx, now time.Time) (any, []domain.Event, error) {
		if err := lockInOrder(ctx, tx, ids); err != nil {
			return nil, nil, err
		}
		resp := &domain.RentResponse{Rentals: make([]domain.RentResult, 0, len(entries))}
		var evs []domain.Event
		for _, e := range entries {
			l, err := tx.GetListing(ctx, e.LendingID)
			if err != nil {
				return nil, nil, err
			}
			if l.Status != domain.StatusListed {
				return nil, nil, ErrNotListed
			}
			if err := matchAsset(l, e.AssetAddress, e.AssetID, e.Amount); err != nil {
				return nil, nil, err
			}
			if caller == l.Owner {
				return nil, nil, ErrOwnerCannotRent
			}
			if e.RentDurationDays < 1 {
				return nil, nil, ErrZeroDuration
			}
			if e.RentDurationDays > l.MaxRentDurationDays {
				return nil, nil, ErrDurationExceedsMax
			}
			info, err := payment.Resolve(ctx, tx, l.PaymentToken)
			if err != nil {
				return nil, nil, err
			}
			daily := l.DailyRentPrice.Decode(info.Scale)
			collateral := l.CollateralValue.Decode(info.Scale)
			total := new(big.Int).Mul(daily, big.NewInt(int64(e.RentDurationDays)))
			total.Add(total, collateral)

			var attached *big.Int
			if info.Native() {
				attached = baseUnits(e.AttachedValue, info.Decimals)
			}
			if err := payment.Collect(ctx, tx, caller, info, total, attached); err != nil {
				return nil, nil, err
			}

			rentedAt := now
			l.Renter = caller
			l.RentDurationDays = e.RentDurationDays
			l.RentedAt = &rentedAt
			l.Status = domain.StatusRented
			if err := tx.UpdateListing(ctx, l); err != nil {
				return nil, nil, err
			}
			resp.Rentals = append(resp.Rentals, domain.RentResult{
				LendingID: l.LendingID,
				Escrowed:  total.String(),
			})
			evs = append(evs, newEvent(domain.EventRented, l, now))
		}
		return resp, evs, nil
	})
	if err != nil || replay != nil {
		return nil, replay, err
	}
	return out.(*domain.RentResponse), nil, nil
}

// Return settles each rented entry proportionally to elapsed time. The
// boundary instant still counts as on time; later calls fail with
// ErrDeadlinePassed and leave collateral claimable by the owner.
func (s *Service) Return(ctx context.Context, caller domain.Address, entries []domain.ListingRef, idemKey, reqHash string) (*domain.SettlementResponse, *domain.IdempotencyRecord, error) {
	return s.settleBatch(ctx, caller, entries, idemKey, reqHash, false)
}

// ClaimCollateral forfeits each overdue entry to its owner: full prepaid
// rent (minus fee) plus the collateral. Claimable strictly after the
// deadline.
func (s *Service) ClaimCollateral(ctx context.Context, caller domain.Address, entries []domain.ListingRef, idemKey, reqHash string) (*domain.SettlementResponse, *domain.IdempotencyRecord, error) {
	return s.settleBatch(ctx, caller, entries, idemKey, reqHash, true)
}

func (s *Service) settleBatch(ctx context.Context, caller domain.Address, entries []domain.ListingRef, idemKey, reqHash string, claim bool) (*domain.SettlementResponse, *domain.IdempotencyRecord, error) {
	if len(entries) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	ids := refIDs(entries)
	out, replay, err := s.run(ctx, idemKey, reqHash, func(ctx context.Context, tx store.Tx, now time.Time) (any, []domain.Event, error) {
		if err := lockInOrder(ctx, tx, ids); err != nil {
			return nil, nil, err
		}
		feeBps, beneficiary, err := tx.EngineConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		resp := &domain.SettlementResponse{Settlements: make([]domain.SettlementResult, 0, len(entries))}
		var evs []domain.Event
		for _, e := range entries {
			l, err := tx.GetListing(ctx, e.LendingID)
			if err != nil {
				return nil, nil, err
			}
			if l.Status != domain.StatusRented {
				return nil, nil, ErrNotRented
			}
			if err := matchAsset(l, e.AssetAddress, e.AssetID, e.Amount); err != nil {
				return nil, nil, err
			}
			deadline := l.Deadline()
			if claim {
				if caller != l.Owner {
					return nil, nil, ErrNotOwner
				}
				if !now.After(deadline) {
					return nil, nil, ErrTooEarly
				}
			} else {
				if caller != l.Renter {
					return nil, nil, ErrNotRenter
				}
				if now.After(deadline) {
					return nil, nil, ErrDeadlinePassed
				}
			}

			info, err := payment.Resolve(ctx, tx, l.PaymentToken)
			if err != nil {
				return nil, nil, err
			}
			rent := l.DailyRentPrice.Decode(info.Scale)
			rent.Mul(rent, big.NewInt(int64(l.RentDurationDays)))
			collateral := l.CollateralValue.Decode(info.Scale)

			var p Payout
			if claim {
				p = forfeitPayout(rent, collateral, feeBps)
			} else {
				elapsed := int64(now.Sub(*l.RentedAt) / time.Second)
				scheduled := int64(l.RentDurationDays) * SecondsPerDay
				p = proratedPayout(rent, collateral, elapsed, scheduled, feeBps)
			}
			if err := payment.Disburse(ctx, tx, beneficiary, info, p.Fee); err != nil {
				return nil, nil, err
			}
			if err := payment.Disburse(ctx, tx, l.Owner, info, p.Owner); err != nil {
				return nil, nil, err
			}
			if err := payment.Disburse(ctx, tx, l.Renter, info, p.Renter); err != nil {
				return nil, nil, err
			}

			adapter, err := custody.Resolve(ctx, tx, l.AssetAddress)
			if err != nil {
				return nil, nil, err
			}
			if err := adapter.PushOut(ctx, tx, l.AssetAddress, l.AssetID, l.Amount, l.Owner); err != nil {
				return nil, nil, err
			}

			evType := domain.EventReturned
			if claim {
				evType = domain.EventCollateralClaimed
			}
			evs = append(evs, newEvent(evType, l, now))
			closeListing(l, now)
			if err := tx.UpdateListing(ctx, l); err != nil {
				return nil, nil, err
			}
			resp.Settlements = append(resp.Settlements, domain.SettlementResult{
				LendingID:    l.LendingID,
				OwnerPayout:  p.Owner.String(),
				RenterRefund: p.Renter.String(),
				Fee:          p.Fee.String(),
			})
		}
		return resp, evs, nil
	})
	if err != nil || replay != nil {
		return nil, replay, err
	}
	return out.(*domain.SettlementResponse), nil, nil
}

// StopLending delists each entry before it is ever rented and returns the
// asset to its owner.
func (s *Service) StopLending(ctx context.Context, caller domain.Address, entries []domain.ListingRef, idemKey, reqHash string) (*domain.DelistResponse, *domain.IdempotencyRecord, error) {
	if len(entries) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	ids := refIDs(entries)
	out, replay, err := s.run(ctx, idemKey, reqHash, func(ctx context.Context, tx store.Tx, now time.Time) (any, []domain.Event, error) {
		if err := lockInOrder(ctx, tx, ids); err != nil {
			return nil, nil, err
		}
		resp := &domain.DelistResponse{LendingIDs: make([]int64, 0, len(entries))}
		var evs []domain.Event
		for _, e := range entries {
			l, err := tx.GetListing(ctx, e.LendingID)
			if err != nil {
				return nil, nil, err
			}
			if caller != l.Owner {
				return nil, nil, ErrNotOwner
			}
			if l.Status == domain.StatusRented {
				return nil, nil, ErrCurrentlyRented
			}
			if l.Status != domain.StatusListed {
				return nil, nil, ErrNotListed
			}
			if err := matchAsset(l, e.AssetAddress, e.AssetID, e.Amount); err != nil {
				return nil, nil, err
			}
			adapter, err := custody.Resolve(ctx, tx, l.AssetAddress)
			if err != nil {
				return nil, nil, err
			}
			if err := adapter.PushOut(ctx, tx, l.AssetAddress, l.AssetID, l.Amount, l.Owner); err != nil {
				return nil, nil, err
			}
			evs = append(evs, newEvent(domain.EventDelisted, l, now))
			closeListing(l, now)
			if err := tx.UpdateListing(ctx, l); err != nil {
				return nil, nil, err
			}
			resp.LendingIDs = append(resp.LendingIDs, l.LendingID)
		}
		return resp, evs, nil
	})
	if err != nil || replay != nil {
		return nil, replay, err
	}
	return out.(*domain.DelistResponse), nil, nil
}

// Approve authorizes the escrow ledger to pull up to amount (human units)
// of the caller's fungible payment token.
func (s *Service) Approve(ctx context.Context, caller domain.Address, token uint8, amount decimal.Decimal) error {
	if token == domain.NativeToken {
		return ErrNativeApproval
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return s.store.Atomic(ctx, func(tx store.Tx) error {
		info, err := payment.Resolve(ctx, tx, token)
		if err != nil {
			return err
		}
		return tx.SetAllowance(ctx, caller, token, baseUnits(amount, info.Decimals))
	})
}

// FeeRate returns the current fee rate in basis points.
func (s *Service) FeeRate(ctx context.Context) (int, error) {
	bps, _, err := s.store.EngineConfig(ctx)
	return bps, err
}

// SetFeeRate is administrator-only and enforces the FeeCeilingBps cap.
func (s *Service) SetFeeRate(ctx context.Context, caller domain.Address, bps int) error {
	if caller != s.admin {
		return ErrNotAdmin
	}
	if bps < 0 || bps > FeeCeilingBps {
		return ErrFeeRateTooHigh
	}
	return s.store.Atomic(ctx, func(tx store.Tx) error {
		_, beneficiary, err := tx.EngineConfig(ctx)
		if err != nil {
			return err
		}
		return tx.PutEngineConfig(ctx, bps, beneficiary)
	})
}

// SetBeneficiary is administrator-only.
func (s *Service) SetBeneficiary(ctx context.Context, caller, beneficiary domain.Address) error {
	if caller != s.admin {
		return ErrNotAdmin
	}
	return s.store.Atomic(ctx, func(tx store.Tx) error {
		bps, _, err := tx.EngineConfig(ctx)
		if err != nil {
			return err
		}
		return tx.PutEngineConfig(ctx, bps, beneficiary)
	})
}

type txFunc func(ctx context.Context, tx store.Tx, now time.Time) (any, []domain.Event, error)

// run wraps fn in one transaction with the idempotency protocol: a known
// key with a matching payload replays the stored response, a mismatched
// payload is rejected, and a key still in progress conflicts. Events append
// to the audit log inside the transaction and publish after commit.
func (s *Service) run(ctx context.Context, idemKey, reqHash string, fn txFunc) (any, *domain.IdempotencyRecord, error) {
	var (
		out    any
		evs    []domain.Event
		replay *domain.IdempotencyRecord
	)
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if idemKey != "" {
			rec, err := tx.GetIdempotency(ctx, idemKey)
			if err != nil {
				return err
			}
			if rec != nil {
				if rec.RequestHash != reqHash {
					return ErrIdempotencyMismatch
				}
				if rec.Status != "completed" {
					return store.ErrIdempotencyConflict
				}
				replay = rec
				return nil
			}
			if err := tx.ReserveIdempotency(ctx, idemKey, reqHash); err != nil {
				return err
			}
		}
		res, events, err := fn(ctx, tx, s.now())
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}
		if idemKey != "" {
			body, err := json.Marshal(res)
			if err != nil {
				return err
			}
			if err := tx.FinalizeIdempotency(ctx, idemKey, http.StatusCreated, body); err != nil {
				return err
			}
		}
		out, evs = res, events
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if replay != nil {
		return nil, replay, nil
	}
	// Publish failures are logged by the publisher; the audit table row is
	// the durable record.
	_ = s.pub.Publish(ctx, evs)
	return out, nil, nil
}

// lockInOrder acquires listing row locks in ascending id order before the
// batch mutates anything, so concurrent batches cannot deadlock.
func lockInOrder(ctx context.Context, tx store.Tx, ids []int64) error {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var last int64 = -1
	for _, id := range sorted {
		if id == last {
			continue
		}
		last = id
		if _, err := tx.GetListing(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func refIDs(entries []domain.ListingRef) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.LendingID)
	}
	return ids
}

func matchAsset(l *domain.Listing, asset domain.Address, assetID, amount int64) error {
	if l.AssetAddress != asset || l.AssetID != assetID || l.Amount != amount {
		return ErrAssetMismatch
	}
	return nil
}

func closeListing(l *domain.Listing, now time.Time) {
	closedAt := now
	l.Status = domain.StatusClosed
	l.Renter = ""
	l.RentDurationDays = 0
	l.RentedAt = nil
	l.ClosedAt = &closedAt
}

func newEvent(t domain.EventType, l *domain.Listing, at time.Time) domain.Event {
	return domain.Event{
		ID:           uuid.New(),
		Type:         t,
		LendingID:    l.LendingID,
		AssetAddress: l.AssetAddress,
		AssetID:      l.AssetID,
		Amount:       l.Amount,
		Owner:        l.Owner,
		Renter:       l.Renter,
		PaymentToken: l.PaymentToken,
		OccurredAt:   at,
	}
}

func baseUnits(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).BigInt()
}
