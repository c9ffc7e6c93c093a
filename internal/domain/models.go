package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokenrent/rentledger/internal/price"
)

// Address identifies a participant (or asset contract) in the ledger.
type Address string

// EscrowAddress is the ledger's own custody account. Listed assets and
// prepaid funds are held under this address until a terminal transition.
const EscrowAddress Address = "rentledger:escrow"

// AssetStandard selects the custody semantics for a listed asset.
type AssetStandard uint8

const (
	StandardERC721      AssetStandard = iota // single owner per id
	StandardCryptoPunks                      // single owner, punk-market transfer
	StandardERC1155                          // balance-based multi-unit
	StandardERC3525                          // balance-based semi-fungible
)

func (s AssetStandard) String() string {
	switch s {
	case StandardERC721:
		return "ERC721"
	case StandardCryptoPunks:
		return "CRYPTOPUNKS"
	case StandardERC1155:
		return "ERC1155"
	case StandardERC3525:
		return "ERC3525"
	}
	return "UNKNOWN"
}

// SingleOwner reports whether the standard holds exactly one owner per id.
func (s AssetStandard) SingleOwner() bool {
	return s == StandardERC721 || s == StandardCryptoPunks
}

// NativeToken is the payment token id of the chain's native currency.
const NativeToken uint8 = 0

type ListingStatus string

const (
	StatusListed ListingStatus = "LISTED"
	StatusRented ListingStatus = "RENTED"
	StatusClosed ListingStatus = "CLOSED"
)

// Listing is one lendable asset and, while rented, its rental overlay.
// LendingID is assigned once at creation and never reused.
type Listing struct {
	LendingID           int64         `json:"lending_id"`
	AssetAddress        Address       `json:"asset_address"`
	AssetID             int64         `json:"asset_id"`
	Standard            AssetStandard `json:"asset_standard"`
	Amount              int64         `json:"amount"`
	Owner               Address       `json:"owner_address"`
	MaxRentDurationDays int           `json:"max_rent_duration_days"`
	DailyRentPrice      price.Price   `json:"daily_rent_price"`
	CollateralValue     price.Price   `json:"collateral_value"`
	PaymentToken        uint8         `json:"payment_token"`
	Status              ListingStatus `json:"status"`

	// Rental overlay, present only while Status is StatusRented.
	Renter           Address    `json:"renter_address,omitempty"`
	RentDurationDays int        `json:"rent_duration_days,omitempty"`
	RentedAt         *time.Time `json:"rented_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Deadline is the instant the rental must be returned by. The boundary
// instant itself still counts as returnable; collateral becomes claimable
// strictly after it.
func (l *Listing) Deadline() time.Time {
	return l.RentedAt.Add(time.Duration(l.RentDurationDays) * 24 * time.Hour)
}

// LendEntry describes one listing to create. Prices are human-readable
// decimal amounts and are packed at the edge.
type LendEntry struct {
	AssetAddress        Address         `json:"asset_address"`
	AssetID             int64           `json:"asset_id"`
	Amount              int64           `json:"amount"`
	MaxRentDurationDays int             `json:"max_rent_duration_days"`
	DailyRentPrice      decimal.Decimal `json:"daily_rent_price"`
	CollateralValue     decimal.Decimal `json:"collateral_value"`
	PaymentToken        uint8           `json:"payment_token"`
}

// RentEntry describes one rental. AttachedValue (human units) is required
// for native-currency listings and acts as the caller's spend cap.
type RentEntry struct {
	LendingID        int64           `json:"lending_id"`
	AssetAddress     Address         `json:"asset_address"`
	AssetID          int64           `json:"asset_id"`
	Amount           int64           `json:"amount"`
	RentDurationDays int             `json:"rent_duration_days"`
	AttachedValue    decimal.Decimal `json:"attached_value"`
}

// ListingRef addresses an existing listing in a return, claim or delist
// batch. The asset identity must match the listing exactly.
type ListingRef struct {
	LendingID    int64   `json:"lending_id"`
	AssetAddress Address `json:"asset_address"`
	AssetID      int64   `json:"asset_id"`
	Amount       int64   `json:"amount"`
}

// LendResponse carries the lending ids assigned to a lend batch, in entry
// order.
type LendResponse struct {
	LendingIDs []int64 `json:"lending_ids"`
}

// RentResponse reports the escrowed total per rented entry.
type RentResponse struct {
	Rentals []RentResult `json:"rentals"`
}

type RentResult struct {
	LendingID int64  `json:"lending_id"`
	Escrowed  string `json:"escrowed"` // base units
}

// SettlementResult reports the disbursement split of one settled listing.
// Amounts are base units of the listing's payment token.
type SettlementResult struct {
	LendingID    int64  `json:"lending_id"`
	OwnerPayout  string `json:"owner_payout"`
	RenterRefund string `json:"renter_refund"`
	Fee          string `json:"fee"`
}

type SettlementResponse struct {
	Settlements []SettlementResult `json:"settlements"`
}

// DelistResponse lists the lending ids closed by a stop-lending batch.
type DelistResponse struct {
	LendingIDs []int64 `json:"lending_ids"`
}

// ApprovalRequest authorizes the escrow ledger to pull up to Amount (human
// units) of the caller's fungible payment token.
type ApprovalRequest struct {
	PaymentToken uint8           `json:"payment_token"`
	Amount       decimal.Decimal `json:"amount"`
}

type EventType string

const (
	EventListed            EventType = "Listed"
	EventRented            EventType = "Rented"
	EventReturned          EventType = "Returned"
	EventCollateralClaimed EventType = "CollateralClaimed"
	EventDelisted          EventType = "Delisted"
)

// Event is one observable lifecycle transition. Events are appended to the
// audit log inside the same transaction as the transition and published to
// the broker after commit.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Type         EventType `json:"type"`
	LendingID    int64     `json:"lending_id"`
	AssetAddress Address   `json:"asset_address"`
	AssetID      int64     `json:"asset_id"`
	Amount       int64     `json:"amount"`
	Owner        Address   `json:"owner_address"`
	Renter       Address   `json:"renter_address,omitempty"`
	PaymentToken uint8     `json:"payment_token"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// IdempotencyRecord holds the stored outcome of a previously processed
// request key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         string
	ResponseBody   json.RawMessage
	ResponseStatus int
}
