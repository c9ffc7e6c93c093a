// Package memory is the in-memory store backend. It backs the test suite
// and the dev server (empty DB_SOURCE). A single mutex is held for the whole
// of every transaction, so calls execute in one global order; rollback
// restores a deep snapshot taken at transaction begin.
package memory

import (
	"context"
	"math/big"
	"sync"

	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/store"
)

type assetKey struct {
	asset domain.Address
	id    int64
}

type holdingKey struct {
	asset  domain.Address
	id     int64
	holder domain.Address
}

type fundKey struct {
	holder domain.Address
	token  uint8
}

type state struct {
	nextLendingID int64
	listings      map[int64]*domain.Listing
	standards     map[domain.Address]domain.AssetStandard
	holders       map[assetKey]domain.Address
	units         map[holdingKey]int64
	funds         map[fundKey]*big.Int
	allowances    map[fundKey]*big.Int
	paymentTokens map[uint8]store.PaymentTokenInfo
	feeBps        int
	beneficiary   domain.Address
	events        []domain.Event
	idempotency   map[string]*domain.IdempotencyRecord
}

func newState() *state {
	return &state{
		nextLendingID: 1,
		listings:      make(map[int64]*domain.Listing),
		standards:     make(map[domain.Address]domain.AssetStandard),
		holders:       make(map[assetKey]domain.Address),
		units:         make(map[holdingKey]int64),
		funds:         make(map[fundKey]*big.Int),
		allowances:    make(map[fundKey]*big.Int),
		paymentTokens: make(map[uint8]store.PaymentTokenInfo),
		idempotency:   make(map[string]*domain.IdempotencyRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextLendingID = s.nextLendingID
	c.feeBps = s.feeBps
	c.beneficiary = s.beneficiary
	for id, l := range s.listings {
		cp := *l
		c.listings[id] = &cp
	}
	for k, v := range s.standards {
		c.standards[k] = v
	}
	for k, v := range s.holders {
		c.holders[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.funds {
		c.funds[k] = new(big.Int).Set(v)
	}
	for k, v := range s.allowances {
		c.allowances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.paymentTokens {
		c.paymentTokens[k] = v
	}
	c.events = append(c.events, s.events...)
	for k, v := range s.idempotency {
		cp := *v
		c.idempotency[k] = &cp
	}
	return c
}

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (m *Store) Atomic(_ context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&tx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Store) GetListing(ctx context.Context, lendingID int64) (*domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&tx{st: m.st}).GetListing(ctx, lendingID)
}

func (m *Store) EngineConfig(ctx context.Context) (int, domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&tx{st: m.st}).EngineConfig(ctx)
}

// Events returns a copy of the audit log. Test helper.
func (m *Store) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.st.events))
	copy(out, m.st.events)
	return out
}

func (m *Store) Close() {}

type tx struct {
	st *state
}

func (t *tx) NextLendingID(context.Context) (int64, error) {
	id := t.st.nextLendingID
	t.st.nextLendingID++
	return id, nil
}

func (t *tx) InsertListing(_ context.Context, l *domain.Listing) error {
	cp := *l
	t.st.listings[l.LendingID] = &cp
	return nil
}

func (t *tx) GetListing(_ context.Context, lendingID int64) (*domain.Listing, error) {
	l, ok := t.st.listings[lendingID]
	if !ok {
		return nil, store.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (t *tx) UpdateListing(_ context.Context, l *domain.Listing) error {
	if _, ok := t.st.listings[l.LendingID]; !ok {
		return store.ErrListingNotFound
	}
	cp := *l
	t.st.listings[l.LendingID] = &cp
	return nil
}

func (t *tx) StandardOf(_ context.Context, asset domain.Address) (domain.AssetStandard, error) {
	std, ok := t.st.standards[asset]
	if !ok {
		return 0, store.ErrUnknownAsset
	}
	return std, nil
}

func (t *tx) RegisterAsset(_ context.Context, asset domain.Address, std domain.AssetStandard) error {
	t.st.standards[asset] = std
	return nil
}

func (t *tx) HolderOf(_ context.Context, asset domain.Address, assetID int64) (domain.Address, error) {
	return t.st.holders[assetKey{asset, assetID}], nil
}

func (t *tx) SetHolder(_ context.Context, asset domain.Address, assetID int64, holder domain.Address) error {
	t.st.holders[assetKey{asset, assetID}] = holder
	return nil
}

func (t *tx) UnitBalance(_ context.Context, asset domain.Address, assetID int64, holder domain.Address) (int64, error) {
	return t.st.units[holdingKey{asset, assetID, holder}], nil
}

func (t *tx) AddUnits(_ context.Context, asset domain.Address, assetID int64, holder domain.Address, delta int64) error {
	k := holdingKey{asset, assetID, holder}
	next := t.st.units[k] + delta
	if next < 0 {
		return store.ErrInsufficientUnits
	}
	t.st.units[k] = next
	return nil
}

func (t *tx) FundBalance(_ context.Context, holder domain.Address, token uint8) (*big.Int, error) {
	if v, ok := t.st.funds[fundKey{holder, token}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (t *tx) AddFunds(_ context.Context, holder domain.Address, token uint8, delta *big.Int) error {
	k := fundKey{holder, token}
	cur := t.st.funds[k]
	if cur == nil {
		cur = new(big.Int)
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		return store.ErrInsufficientFunds
	}
	t.st.funds[k] = next
	return nil
}

func (t *tx) Allowance(_ context.Context, owner domain.Address, token uint8) (*big.Int, error) {
	if v, ok := t.st.allowances[fundKey{owner, token}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (t *tx) SetAllowance(_ context.Context, owner domain.Address, token uint8, amount *big.Int) error {
	t.st.allowances[fundKey{owner, token}] = new(big.Int).Set(amount)
	return nil
}

func (t *tx) SpendAllowance(_ context.Context, owner domain.Address, token uint8, amount *big.Int) error {
	k := fundKey{owner, token}
	cur := t.st.allowances[k]
	if cur == nil || cur.Cmp(amount) < 0 {
		return store.ErrInsufficientAllowance
	}
	t.st.allowances[k] = new(big.Int).Sub(cur, amount)
	return nil
}

func (t *tx) PaymentToken(_ context.Context, token uint8) (*store.PaymentTokenInfo, error) {
	info, ok := t.st.paymentTokens[token]
	if !ok {
		return nil, store.ErrUnknownPaymentToken
	}
	return &info, nil
}

func (t *tx) RegisterPaymentToken(_ context.Context, info store.PaymentTokenInfo) error {
	t.st.paymentTokens[info.ID] = info
	return nil
}

func (t *tx) EngineConfig(context.Context) (int, domain.Address, error) {
	return t.st.feeBps, t.st.beneficiary, nil
}

func (t *tx) PutEngineConfig(_ context.Context, feeBps int, beneficiary domain.Address) error {
	t.st.feeBps = feeBps
	t.st.beneficiary = beneficiary
	return nil
}

func (t *tx) AppendEvent(_ context.Context, ev domain.Event) error {
	t.st.events = append(t.st.events, ev)
	return nil
}

func (t *tx) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.st.idempotency[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (t *tx) ReserveIdempotency(_ context.Context, key, requestHash string) error {
	if _, ok := t.st.idempotency[key]; ok {
		return store.ErrIdempotencyConflict
	}
	t.st.idempotency[key] = &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      "in_progress",
	}
	return nil
}

func (t *tx) FinalizeIdempotency(_ context.Context, key string, status int, body []byte) error {
	rec, ok := t.st.idempotency[key]
	if !ok {
		return store.ErrIdempotencyConflict
	}
	rec.Status = "completed"
	rec.ResponseStatus = status
	rec.ResponseBody = body
	return nil
}
