package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowmarket/format"
	"escrowmarket/models"
	"escrowmarket/storage"
)

type listingRequest struct {
	Title          *string   `json:"title"`
	Description    *string   `json:"description"`
	Price          *string   `json:"price"`
	FiatCurrency   *string   `json:"fiat_currency"`
	CryptoCurrency *string   `json:"crypto_currency"`
	Location       *string   `json:"location"`
	Images         *[]string `json:"images"`
	WalletAddress  *string   `json:"wallet_address"`
	Status         *string   `json:"status"`
}

// apply copies the set fields onto listing and reports whether anything that
// feeds the crypto amount changed.
func (req listingRequest) apply(listing *models.Listing) (repriced bool, msg string) {
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return false, "title is required"
		}
		listing.Title = title
	}
	if req.Description != nil {
		listing.Description = strings.TrimSpace(*req.Description)
	}
	if req.Location != nil {
		listing.Location = strings.TrimSpace(*req.Location)
	}
	if req.Images != nil {
		listing.Images = *req.Images
	}
	if req.WalletAddress != nil {
		addr, err := format.NormalizeAddress(*req.WalletAddress)
		if err != nil {
			return false, "wallet_address is not a valid address"
		}
		listing.WalletAddress = addr
	}
	if req.Status != nil {
		status := models.ListingStatus(strings.ToLower(strings.TrimSpace(*req.Status)))
		if status != models.ListingActive && status != models.ListingInactive {
			return false, "status must be active or inactive"
		}
		listing.Status = status
	}
	if req.Price != nil {
		price, err := format.ParseAmount(*req.Price)
		if err != nil || !price.IsPositive() {
			return false, "price must be a positive decimal"
		}
		if !price.Equal(listing.Price) {
			listing.Price = price
			repriced = true
		}
	}
	if req.FiatCurrency != nil {
		fiat := strings.ToUpper(strings.TrimSpace(*req.FiatCurrency))
		if fiat == "" {
			return false, "fiat_currency is required"
		}
		if fiat != listing.FiatCurrency {
			listing.FiatCurrency = fiat
			repriced = true
		}
	}
	if req.CryptoCurrency != nil {
		crypto := strings.ToUpper(strings.TrimSpace(*req.CryptoCurrency))
		if crypto != "" && crypto != listing.CryptoCurrency {
			listing.CryptoCurrency = crypto
			repriced = true
		}
	}
	if repriced {
		listing.CryptoAmount = decimal.NullDecimal{}
	}
	return repriced, ""
}

// CreateListing stores a listing owned by the caller.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req listingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Title == nil || req.Price == nil || req.FiatCurrency == nil {
		writeError(w, http.StatusBadRequest, "title, price and fiat_currency are required")
		return
	}
	listing := &models.Listing{UserID: caller, CryptoCurrency: s.tokenSymbol, Status: models.ListingActive}
	if _, msg := req.apply(listing); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.listings.CreateListing(r.Context(), listing); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.refreshQuote(r, listing)
	writeJSON(w, http.StatusCreated, listing)
}

// SearchListings filters listings by free text, owner, status and currency.
func (s *Server) SearchListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageParams(r)
	filter := storage.ListingFilter{
		Query:          q.Get("q"),
		Status:         models.ListingStatus(q.Get("status")),
		CryptoCurrency: q.Get("crypto"),
		FiatCurrency:   q.Get("fiat"),
		Limit:          limit,
		Offset:         offset,
	}
	if raw := q.Get("user_id"); raw != "" {
		owner, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		filter.UserID = owner
	}
	listings, err := s.listings.SearchListings(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

// GetListing returns a single listing.
func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	listing, err := s.listings.GetListing(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// UpdateListing patches the caller's listing. Changing the price or either
// currency clears the cached crypto amount and derives it again.
func (s *Server) UpdateListing(w http.ResponseWriter, r *http.Request) {
	listing, ok := s.ownedListing(w, r)
	if !ok {
		return
	}
	var req listingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	repriced, msg := req.apply(listing)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.listings.UpdateListing(r.Context(), listing); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if repriced {
		s.refreshQuote(r, listing)
	}
	writeJSON(w, http.StatusOK, listing)
}

// DeleteListing removes the caller's listing unless a purchase is still open.
func (s *Server) DeleteListing(w http.ResponseWriter, r *http.Request) {
	listing, ok := s.ownedListing(w, r)
	if !ok {
		return
	}
	if err := s.listings.DeleteListing(r.Context(), listing.ID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QuoteListing returns the crypto amount a buyer would deposit.
func (s *Server) QuoteListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	listing, err := s.listings.GetListing(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	amount, err := s.coordinator.Pricer().Quote(r.Context(), listing)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listing_id":      listing.ID,
		"price":           listing.Price,
		"fiat_currency":   listing.FiatCurrency,
		"crypto_amount":   amount,
		"crypto_currency": listing.CryptoCurrency,
		"display":         format.FormatAmount(amount, listing.CryptoCurrency, s.precision),
	})
}

func (s *Server) ownedListing(w http.ResponseWriter, r *http.Request) (*models.Listing, bool) {
	caller, ok := callerID(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	listing, err := s.listings.GetListing(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return nil, false
	}
	if listing.UserID != caller {
		writeError(w, http.StatusForbidden, "listing belongs to another user")
		return nil, false
	}
	return listing, true
}

// refreshQuote derives the crypto amount when a rate is available. A missing
// rate leaves the amount empty until the next poll or quote request.
func (s *Server) refreshQuote(r *http.Request, listing *models.Listing) {
	if _, err := s.coordinator.Pricer().Quote(r.Context(), listing); err != nil {
		s.logger.Debug("listing quote deferred",
			slog.String("listing_id", listing.ID.String()),
			slog.Any("error", err))
	}
}
