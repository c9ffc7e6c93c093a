// Package postgres is the pgx-backed store. Every ledger operation maps to
// one RepeatableRead transaction; listing reads inside a transaction take
// row locks, which callers acquire in ascending lending-id order.
package postgres

import (
	"context"
	"encoding/json"
	"math/big"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/price"
	"github.com/tokenrent/rentledger/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var listingCols = []string{
	"lending_id", "asset_address", "asset_id", "asset_standard", "amount",
	"owner_address", "max_rent_duration_days", "daily_rent_price",
	"collateral_value", "payment_token", "status", "renter_address",
	"rent_duration_days", "rented_at", "created_at", "closed_at",
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "unable to ping database")
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for migrations and seeding.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return errors.Wrap(err, "tx begin failed")
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return errors.Wrap(err, "tx commit failed")
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, lendingID int64) (*domain.Listing, error) {
	query, args, err := psql.Select(listingCols...).
		From("listings").
		Where(sq.Eq{"lending_id": lendingID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanListing(s.pool.QueryRow(ctx, query, args...))
}

func (s *Store) EngineConfig(ctx context.Context) (int, domain.Address, error) {
	return engineConfig(ctx, s.pool)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tx struct {
	q pgx.Tx
}

func (t *tx) NextLendingID(ctx context.Context) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, "SELECT nextval('lending_id_seq')").Scan(&id)
	return id, errors.Wrap(err, "lending id allocation failed")
}

func (t *tx) InsertListing(ctx context.Context, l *domain.Listing) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO listings (lending_id, asset_address, asset_id, asset_standard, amount,
			owner_address, max_rent_duration_days, daily_rent_price, collateral_value,
			payment_token, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		l.LendingID, l.AssetAddress, l.AssetID, int16(l.Standard), l.Amount,
		l.Owner, l.MaxRentDurationDays, int64(l.DailyRentPrice), int64(l.CollateralValue),
		int16(l.PaymentToken), l.Status, l.CreatedAt)
	return errors.Wrap(err, "listing insert failed")
}

func (t *tx) GetListing(ctx context.Context, lendingID int64) (*domain.Listing, error) {
	query, args, err := psql.Select(listingCols...).
		From("listings").
		Where(sq.Eq{"lending_id": lendingID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanListing(t.q.QueryRow(ctx, query, args...))
}

func (t *tx) UpdateListing(ctx context.Context, l *domain.Listing) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE listings
		 SET status = $2, renter_address = $3, rent_duration_days = $4,
		     rented_at = $5, closed_at = $6
		 WHERE lending_id = $1`,
		l.LendingID, l.Status, l.Renter, l.RentDurationDays, l.RentedAt, l.ClosedAt)
	if err != nil {
		return errors.Wrap(err, "listing update failed")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrListingNotFound
	}
	return nil
}

func (t *tx) StandardOf(ctx context.Context, asset domain.Address) (domain.AssetStandard, error) {
	var std int16
	err := t.q.QueryRow(ctx,
		"SELECT standard FROM asset_standards WHERE asset_address = $1", asset).Scan(&std)
	if err == pgx.ErrNoRows {
		return 0, store.ErrUnknownAsset
	}
	if err != nil {
		return 0, errors.Wrap(err, "standard lookup failed")
	}
	return domain.AssetStandard(std), nil
}

func (t *tx) RegisterAsset(ctx context.Context, asset domain.Address, std domain.AssetStandard) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO asset_standards (asset_address, standard) VALUES ($1, $2)
		 ON CONFLICT (asset_address) DO UPDATE SET standard = EXCLUDED.standard`,
		asset, int16(std))
	return errors.Wrap(err, "asset registration failed")
}

func (t *tx) HolderOf(ctx context.Context, asset domain.Address, assetID int64) (domain.Address, error) {
	var holder domain.Address
	err := t.q.QueryRow(ctx,
		"SELECT holder FROM nft_holdings WHERE asset_address = $1 AND asset_id = $2",
		asset, assetID).Scan(&holder)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "holder lookup failed")
	}
	return holder, nil
}

func (t *tx) SetHolder(ctx context.Context, asset domain.Address, assetID int64, holder domain.Address) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO nft_holdings (asset_address, asset_id, holder) VALUES ($1, $2, $3)
		 ON CONFLICT (asset_address, asset_id) DO UPDATE SET holder = EXCLUDED.holder`,
		asset, assetID, holder)
	return errors.Wrap(err, "holder update failed")
}

func (t *tx) UnitBalance(ctx context.Context, asset domain.Address, assetID int64, holder domain.Address) (int64, error) {
	var bal int64
	err := t.q.QueryRow(ctx,
		`SELECT balance FROM unit_balances
		 WHERE asset_address = $1 AND asset_id = $2 AND holder = $3`,
		asset, assetID, holder).Scan(&bal)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "unit balance lookup failed")
	}
	return bal, nil
}

func (t *tx) AddUnits(ctx context.Context, asset domain.Address, assetID int64, holder domain.Address, delta int64) error {
	var bal int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO unit_balances (asset_address, asset_id, holder, balance)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (asset_address, asset_id, holder)
		   DO UPDATE SET balance = unit_balances.balance + EXCLUDED.balance
		 RETURNING balance`,
		asset, assetID, holder, delta).Scan(&bal)
	if err != nil {
		return errors.Wrap(err, "unit balance update failed")
	}
	if bal < 0 {
		return store.ErrInsufficientUnits
	}
	return nil
}

func (t *tx) FundBalance(ctx context.Context, holder domain.Address, token uint8) (*big.Int, error) {
	var n pgtype.Numeric
	err := t.q.QueryRow(ctx,
		"SELECT balance FROM fund_balances WHERE holder = $1 AND payment_token = $2",
		holder, int16(token)).Scan(&n)
	if err == pgx.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fund balance lookup failed")
	}
	return bigFromNumeric(n), nil
}

func (t *tx) AddFunds(ctx context.Context, holder domain.Address, token uint8, delta *big.Int) error {
	var n pgtype.Numeric
	err := t.q.QueryRow(ctx,
		`INSERT INTO fund_balances (holder, payment_token, balance)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (holder, payment_token)
		   DO UPDATE SET balance = fund_balances.balance + EXCLUDED.balance
		 RETURNING balance`,
		holder, int16(token), numericFromBig(delta)).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "fund balance update failed")
	}
	if bigFromNumeric(n).Sign() < 0 {
		return store.ErrInsufficientFunds
	}
	return nil
}

func (t *tx) Allowance(ctx context.Context, owner domain.Address, token uint8) (*big.Int, error) {
	var n pgtype.Numeric
	err := t.q.QueryRow(ctx,
		"SELECT amount FROM allowances WHERE owner_address = $1 AND payment_token = $2",
		owner, int16(token)).Scan(&n)
	if err == pgx.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "allowance lookup failed")
	}
	return bigFromNumeric(n), nil
}

func (t *tx) SetAllowance(ctx context.Context, owner domain.Address, token uint8, amount *big.Int) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO allowances (owner_address, payment_token, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (owner_address, payment_token) DO UPDATE SET amount = EXCLUDED.amount`,
		owner, int16(token), numericFromBig(amount))
	return errors.Wrap(err, "allowance update failed")
}

func (t *tx) SpendAllowance(ctx context.Context, owner domain.Address, token uint8, amount *big.Int) error {
	cur, err := t.Allowance(ctx, owner, token)
	if err != nil {
		return err
	}
	if cur.Cmp(amount) < 0 {
		return store.ErrInsufficientAllowance
	}
	_, err = t.q.Exec(ctx,
		`UPDATE allowances SET amount = amount - $3
		 WHERE owner_address = $1 AND payment_token = $2`,
		owner, int16(token), numericFromBig(amount))
	return errors.Wrap(err, "allowance spend failed")
}

func (t *tx) PaymentToken(ctx context.Context, token uint8) (*store.PaymentTokenInfo, error) {
	info := store.PaymentTokenInfo{ID: token}
	var decimals int16
	err := t.q.QueryRow(ctx,
		"SELECT asset_address, decimals FROM payment_tokens WHERE id = $1",
		int16(token)).Scan(&info.AssetAddress, &decimals)
	if err == pgx.ErrNoRows {
		return nil, store.ErrUnknownPaymentToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "payment token lookup failed")
	}
	info.Decimals = int(decimals)
	return &info, nil
}

func (t *tx) RegisterPaymentToken(ctx context.Context, info store.PaymentTokenInfo) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO payment_tokens (id, asset_address, decimals) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET asset_address = EXCLUDED.asset_address,
		                                decimals = EXCLUDED.decimals`,
		int16(info.ID), info.AssetAddress, int16(info.Decimals))
	return errors.Wrap(err, "payment token registration failed")
}

func (t *tx) EngineConfig(ctx context.Context) (int, domain.Address, error) {
	return engineConfig(ctx, t.q)
}

func (t *tx) PutEngineConfig(ctx context.Context, feeBps int, beneficiary domain.Address) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO engine_config (id, fee_rate_bps, beneficiary) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET fee_rate_bps = EXCLUDED.fee_rate_bps,
		                                beneficiary = EXCLUDED.beneficiary`,
		feeBps, beneficiary)
	return errors.Wrap(err, "engine config update failed")
}

func (t *tx) AppendEvent(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		"INSERT INTO events (id, type, lending_id, payload, occurred_at) VALUES ($1, $2, $3, $4, $5)",
		ev.ID, ev.Type, ev.LendingID, payload, ev.OccurredAt)
	return errors.Wrap(err, "event append failed")
}

func (t *tx) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var status *int
	var body []byte
	err := t.q.QueryRow(ctx,
		"SELECT request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key).Scan(&rec.RequestHash, &rec.Status, &status, &body)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "idempotency query failed")
	}
	if status != nil {
		rec.ResponseStatus = *status
	}
	rec.ResponseBody = body
	return &rec, nil
}

func (t *tx) ReserveIdempotency(ctx context.Context, key, requestHash string) error {
	_, err := t.q.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		key, requestHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrIdempotencyConflict
		}
		return errors.Wrap(err, "key reservation failed")
	}
	return nil
}

func (t *tx) FinalizeIdempotency(ctx context.Context, key string, status int, body []byte) error {
	_, err := t.q.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', response_status = $2, response_body = $3 WHERE key = $1",
		key, status, body)
	return errors.Wrap(err, "idempotency update failed")
}

func engineConfig(ctx context.Context, q querier) (int, domain.Address, error) {
	var feeBps int
	var beneficiary domain.Address
	err := q.QueryRow(ctx,
		"SELECT fee_rate_bps, beneficiary FROM engine_config WHERE id = 1").
		Scan(&feeBps, &beneficiary)
	if err == pgx.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", errors.Wrap(err, "engine config query failed")
	}
	return feeBps, beneficiary, nil
}

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	var std, token int16
	var daily, collateral int64
	err := row.Scan(&l.LendingID, &l.AssetAddress, &l.AssetID, &std, &l.Amount,
		&l.Owner, &l.MaxRentDurationDays, &daily, &collateral, &token,
		&l.Status, &l.Renter, &l.RentDurationDays, &l.RentedAt, &l.CreatedAt, &l.ClosedAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrListingNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing scan failed")
	}
	l.Standard = domain.AssetStandard(std)
	l.PaymentToken = uint8(token)
	l.DailyRentPrice = price.Price(daily)
	l.CollateralValue = price.Price(collateral)
	return &l, nil
}

func numericFromBig(v *big.Int) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

func bigFromNumeric(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return new(big.Int)
	}
	v := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	}
	return v
}
