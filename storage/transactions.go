package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowmarket/models"
)

// TransactionFilter narrows ListTransactions. Zero values are ignored.
type TransactionFilter struct {
	// PartyID matches transactions where the user is buyer or seller.
	PartyID      uuid.UUID
	ListingID    uuid.UUID
	Status       models.TransactionStatus
	EscrowStatus models.EscrowStatus
	// Submitted restricts results to rows with a recorded chain hash or id.
	Submitted bool
	// UpdatedFrom and UpdatedTo bound updated_at when non-zero.
	UpdatedFrom time.Time
	UpdatedTo   time.Time
	Limit       int
	Offset      int
}

// NewEvent builds an audit entry for txn.
func NewEvent(txnID uuid.UUID, kind string, actor *uuid.UUID, chainHash, details string) models.TransactionEvent {
	return models.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: txnID,
		Type:          kind,
		ActorID:       actor,
		ChainTxHash:   chainHash,
		Details:       details,
		CreatedAt:     time.Now().UTC(),
	}
}

// CreateTransaction inserts txn together with its first audit event.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction, event models.TransactionEvent) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	event.TransactionID = txn.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(txn).Error; err != nil {
			return err
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return fmt.Errorf("storage: create transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("storage: get transaction %s: %w", id, notFound(err))
	}
	return &txn, nil
}

// SaveTransaction writes every column of txn and appends event atomically.
func (s *Store) SaveTransaction(ctx context.Context, txn *models.Transaction, event models.TransactionEvent) error {
	event.TransactionID = txn.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(txn).Select("*").Omit("created_at").Updates(txn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return fmt.Errorf("storage: save transaction %s: %w", txn.ID, err)
	}
	return nil
}

// ListTransactions returns transactions matching filter, newest first.
func (s *Store) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).Model(&models.Transaction{})
	if filter.PartyID != uuid.Nil {
		q = q.Where("buyer_id = ? OR seller_id = ?", filter.PartyID, filter.PartyID)
	}
	if filter.ListingID != uuid.Nil {
		q = q.Where("listing_id = ?", filter.ListingID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.EscrowStatus != "" {
		q = q.Where("escrow_status = ?", filter.EscrowStatus)
	}
	if filter.Submitted {
		q = q.Where("blockchain_txn_id IS NOT NULL OR transaction_hash IS NOT NULL")
	}
	if !filter.UpdatedFrom.IsZero() {
		q = q.Where("updated_at >= ?", filter.UpdatedFrom)
	}
	if !filter.UpdatedTo.IsZero() {
		q = q.Where("updated_at < ?", filter.UpdatedTo)
	}
	var txns []models.Transaction
	err := q.Order("created_at DESC").Limit(clampLimit(filter.Limit)).Offset(max(filter.Offset, 0)).Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list transactions: %w", err)
	}
	return txns, nil
}

// ListEvents returns the audit trail of a transaction in insertion order.
func (s *Store) ListEvents(ctx context.Context, txnID uuid.UUID) ([]models.TransactionEvent, error) {
	var events []models.TransactionEvent
	err := s.db.WithContext(ctx).Where("transaction_id = ?", txnID).Order("created_at ASC").Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list events %s: %w", txnID, err)
	}
	return events, nil
}
