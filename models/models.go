package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ListingStatus controls whether a listing can be purchased.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingInactive ListingStatus = "inactive"
)

// TransactionStatus is the user-facing status of a purchase.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusCompleted TransactionStatus = "completed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusFailed    TransactionStatus = "failed"
)

// EscrowStatus tracks where the funds are relative to the escrow contract.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowFunded    EscrowStatus = "funded"
	EscrowCompleted EscrowStatus = "completed"
	EscrowCancelled EscrowStatus = "cancelled"
	EscrowFailed    EscrowStatus = "failed"
)

// Terminal reports whether no further transition is defined from s.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case EscrowCompleted, EscrowCancelled, EscrowFailed:
		return true
	}
	return false
}

// ReleasePolicy decides what releases escrowed funds to the seller.
type ReleasePolicy string

const (
	// PolicyDualConfirmation releases once buyer and seller have both confirmed.
	PolicyDualConfirmation ReleasePolicy = "dual_confirmation"
	// PolicyBuyerRelease releases on a single buyer release call.
	PolicyBuyerRelease ReleasePolicy = "buyer_release"
)

// Valid reports whether p is a known policy.
func (p ReleasePolicy) Valid() bool {
	return p == PolicyDualConfirmation || p == PolicyBuyerRelease
}

// Listing is an item offered for sale.
type Listing struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID           `gorm:"type:uuid;index;not null" json:"user_id"`
	Title          string              `gorm:"size:200;not null" json:"title"`
	Description    string              `gorm:"type:text" json:"description"`
	Price          decimal.Decimal     `gorm:"type:numeric(38,18);not null" json:"price"`
	FiatCurrency   string              `gorm:"size:8;not null" json:"fiat_currency"`
	Location       string              `gorm:"size:200;index" json:"location"`
	Images         []string            `gorm:"serializer:json;type:text" json:"images"`
	WalletAddress  string              `gorm:"size:42" json:"wallet_address"`
	CryptoAmount   decimal.NullDecimal `gorm:"type:numeric(38,18)" json:"crypto_amount"`
	CryptoCurrency string              `gorm:"size:16;not null" json:"crypto_currency"`
	Status         ListingStatus       `gorm:"size:16;index;not null" json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Transaction is the off-chain record of one escrowed purchase.
type Transaction struct {
	ID                  uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	ListingID           uuid.UUID         `gorm:"type:uuid;index;not null" json:"listing_id"`
	BuyerID             uuid.UUID         `gorm:"type:uuid;index;not null" json:"buyer_id"`
	SellerID            uuid.UUID         `gorm:"type:uuid;index;not null" json:"seller_id"`
	BuyerWalletAddress  string            `gorm:"size:42" json:"buyer_wallet_address"`
	SellerWalletAddress string            `gorm:"size:42;not null" json:"seller_wallet_address"`
	Amount              decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"amount"`
	CommissionAmount    decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"commission_amount"`
	TokenSymbol         string            `gorm:"size:16;not null" json:"token_symbol"`
	Network             string            `gorm:"size:32" json:"network"`
	ChainID             int64             `gorm:"not null" json:"chain_id"`
	Status              TransactionStatus `gorm:"size:16;index;not null" json:"status"`
	EscrowStatus        EscrowStatus      `gorm:"size:16;index;not null" json:"escrow_status"`
	ReleasePolicy       ReleasePolicy     `gorm:"size:32;not null" json:"release_policy"`
	BlockchainTxnID     *string           `gorm:"size:78;index" json:"blockchain_txn_id"`
	TransactionHash     *string           `gorm:"size:66" json:"transaction_hash"`
	BuyerConfirmation   bool              `gorm:"not null;default:false" json:"buyer_confirmation"`
	SellerConfirmation  bool              `gorm:"not null;default:false" json:"seller_confirmation"`
	FundsSecured        bool              `gorm:"not null;default:false" json:"funds_secured"`
	FundsSecuredAt      *time.Time        `json:"funds_secured_at"`
	ReleasedAt          *time.Time        `json:"released_at"`
	CancelledAt         *time.Time        `json:"cancelled_at"`
	CancelledBy         *uuid.UUID        `gorm:"type:uuid" json:"cancelled_by"`
	CanBeCancelled      bool              `gorm:"not null" json:"can_be_cancelled"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// OnChain reports whether the deposit has been recorded against the contract.
func (t *Transaction) OnChain() bool {
	return t.BlockchainTxnID != nil && *t.BlockchainTxnID != ""
}

// TransactionEvent is the audit trail of coordinator mutations.
type TransactionEvent struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TransactionID uuid.UUID  `gorm:"type:uuid;index;not null" json:"transaction_id"`
	Type          string     `gorm:"size:32;not null" json:"type"`
	ActorID       *uuid.UUID `gorm:"type:uuid" json:"actor_id,omitempty"`
	ChainTxHash   string     `gorm:"size:66" json:"chain_tx_hash,omitempty"`
	Details       string     `gorm:"type:text" json:"details,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Event types written to the trail.
const (
	EventInitiated         = "initiated"
	EventDeposited         = "deposited"
	EventDepositUnresolved = "deposit_unresolved"
	EventConfirmed         = "confirmed"
	EventReleased          = "released"
	EventCancelled         = "cancelled"
)

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Listing{},
		&Transaction{},
		&TransactionEvent{},
	)
}
