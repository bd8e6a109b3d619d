package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"escrowmarket/models"
)

// ListingFilter narrows SearchListings. Zero values are ignored.
type ListingFilter struct {
	Query          string
	UserID         uuid.UUID
	Status         models.ListingStatus
	CryptoCurrency string
	FiatCurrency   string
	Limit          int
	Offset         int
}

// CreateListing inserts a listing, assigning an id and default status.
func (s *Store) CreateListing(ctx context.Context, listing *models.Listing) error {
	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	if listing.Status == "" {
		listing.Status = models.ListingActive
	}
	if err := s.db.WithContext(ctx).Create(listing).Error; err != nil {
		return fmt.Errorf("storage: create listing: %w", err)
	}
	return nil
}

// GetListing loads a listing by id.
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	if err := s.db.WithContext(ctx).First(&listing, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("storage: get listing %s: %w", id, notFound(err))
	}
	return &listing, nil
}

// UpdateListing persists every column of listing.
func (s *Store) UpdateListing(ctx context.Context, listing *models.Listing) error {
	res := s.db.WithContext(ctx).Model(listing).Select("*").Omit("created_at").Updates(listing)
	if res.Error != nil {
		return fmt.Errorf("storage: update listing %s: %w", listing.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage: update listing %s: %w", listing.ID, ErrNotFound)
	}
	return nil
}

// SetCryptoAmount caches the derived crypto amount for a listing.
func (s *Store) SetCryptoAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", id).
		Update("crypto_amount", decimal.NewNullDecimal(amount))
	if res.Error != nil {
		return fmt.Errorf("storage: set crypto amount %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage: set crypto amount %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteListing removes a listing unless a non-terminal transaction still
// references it.
func (s *Store) DeleteListing(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Transaction{}).
			Where("listing_id = ? AND escrow_status IN ?", id, []models.EscrowStatus{models.EscrowPending, models.EscrowFunded}).
			Count(&open).Error; err != nil {
			return fmt.Errorf("storage: count open transactions: %w", err)
		}
		if open > 0 {
			return ErrListingInUse
		}
		res := tx.Delete(&models.Listing{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("storage: delete listing %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("storage: delete listing %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SearchListings returns listings matching filter, newest first.
func (s *Store) SearchListings(ctx context.Context, filter ListingFilter) ([]models.Listing, error) {
	q := s.db.WithContext(ctx).Model(&models.Listing{})
	if term := strings.ToLower(strings.TrimSpace(filter.Query)); term != "" {
		like := "%" + term + "%"
		q = q.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(location) LIKE ?", like, like, like)
	}
	if filter.UserID != uuid.Nil {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.CryptoCurrency != "" {
		q = q.Where("crypto_currency = ?", strings.ToUpper(filter.CryptoCurrency))
	}
	if filter.FiatCurrency != "" {
		q = q.Where("fiat_currency = ?", strings.ToUpper(filter.FiatCurrency))
	}
	var listings []models.Listing
	err := q.Order("created_at DESC").Limit(clampLimit(filter.Limit)).Offset(max(filter.Offset, 0)).Find(&listings).Error
	if err != nil {
		return nil, fmt.Errorf("storage: search listings: %w", err)
	}
	return listings, nil
}

// ListActiveByPair returns every active listing priced in fiat and sold for crypto.
func (s *Store) ListActiveByPair(ctx context.Context, crypto, fiat string) ([]models.Listing, error) {
	var listings []models.Listing
	err := s.db.WithContext(ctx).
		Where("status = ? AND crypto_currency = ? AND fiat_currency = ?",
			models.ListingActive, strings.ToUpper(crypto), strings.ToUpper(fiat)).
		Find(&listings).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list listings for %s/%s: %w", crypto, fiat, err)
	}
	return listings, nil
}
