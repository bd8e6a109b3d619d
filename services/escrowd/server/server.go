// Package server exposes the marketplace escrow API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowmarket/escrow"
	"escrowmarket/format"
	"escrowmarket/gateway/middleware"
	"escrowmarket/gateway/routes"
	"escrowmarket/models"
	"escrowmarket/services/escrowd/stream"
	"escrowmarket/storage"
)

// ListingStore is the listing persistence used by the HTTP layer.
type ListingStore interface {
	CreateListing(ctx context.Context, listing *models.Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	UpdateListing(ctx context.Context, listing *models.Listing) error
	DeleteListing(ctx context.Context, id uuid.UUID) error
	SearchListings(ctx context.Context, filter storage.ListingFilter) ([]models.Listing, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Listings      ListingStore
	Coordinator   *escrow.Coordinator
	Rates         escrow.RateSource
	Hub           *stream.Hub
	Auth          *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Idempotency   *middleware.Idempotency
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Proxies       []routes.Upstream
	// TokenSymbol is the crypto currency assigned to listings that omit one.
	TokenSymbol string
	// Precision is the number of decimals shown in formatted quotes.
	Precision int32
	Logger    *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	listings    ListingStore
	coordinator *escrow.Coordinator
	rates       escrow.RateSource
	hub         *stream.Hub
	tokenSymbol string
	precision   int32
	origins     []string
	logger      *slog.Logger

	router http.Handler
}

// New constructs the router.
func New(cfg Config) (*Server, error) {
	if cfg.Listings == nil || cfg.Coordinator == nil {
		return nil, errors.New("server: listings and coordinator are required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = stream.NewHub()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = middleware.NewRateLimiter(nil, logger)
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "ETH"
	}
	if cfg.Precision <= 0 {
		cfg.Precision = format.DefaultPrecision
	}
	s := &Server{
		listings:    cfg.Listings,
		coordinator: cfg.Coordinator,
		rates:       cfg.Rates,
		hub:         cfg.Hub,
		tokenSymbol: strings.ToUpper(cfg.TokenSymbol),
		precision:   cfg.Precision,
		origins:     cfg.CORS.AllowedOrigins,
		logger:      logger,
	}
	s.router = s.buildRouter(cfg)
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(cfg.Auth.Middleware)

		api.Get("/rates", s.GetRate)

		api.Route("/listings", func(lr chi.Router) {
			lr.Get("/", s.SearchListings)
			lr.Post("/", s.CreateListing)
			lr.Get("/{id}", s.GetListing)
			lr.Patch("/{id}", s.UpdateListing)
			lr.Delete("/{id}", s.DeleteListing)
			lr.Get("/{id}/quote", s.QuoteListing)
		})

		api.Route("/transactions", func(tr chi.Router) {
			tr.Use(cfg.Limiter.Middleware("transactions"))
			if cfg.Idempotency != nil {
				tr.Use(cfg.Idempotency.Middleware)
			}
			tr.Post("/", s.InitiateTransaction)
			tr.Get("/", s.ListTransactions)
			tr.Get("/{id}", s.GetTransaction)
			tr.Get("/{id}/events", s.TransactionEvents)
			tr.Post("/{id}/deposit", s.Deposit)
			tr.Post("/{id}/confirm", s.Confirm)
			tr.Post("/{id}/release", s.Release)
			tr.Post("/{id}/cancel", s.Cancel)
			tr.Get("/{id}/stream", s.Stream)
		})

		for _, up := range cfg.Proxies {
			prefix := "/api/v1/proxy/" + up.Name
			api.With(cfg.Limiter.Middleware("proxy")).
				Mount("/proxy/"+up.Name, routes.NewProxy(up, prefix, s.logger))
		}
	})
	return r
}

// GetRate serves the current quote for a currency pair.
func (s *Server) GetRate(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		writeError(w, http.StatusServiceUnavailable, "rates not configured")
		return
	}
	crypto := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("crypto")))
	fiat := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("fiat")))
	if crypto == "" {
		crypto = s.tokenSymbol
	}
	if fiat == "" {
		writeError(w, http.StatusBadRequest, "fiat is required")
		return
	}
	quote := s.rates.GetRate(r.Context(), crypto, fiat)
	if !quote.Valid() {
		writeError(w, http.StatusServiceUnavailable, "rate unavailable for "+crypto+"/"+fiat)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crypto":    quote.Crypto,
		"fiat":      quote.Fiat,
		"rate":      quote.Rate,
		"source":    quote.Source,
		"fallback":  quote.Fallback,
		"timestamp": quote.Timestamp,
	})
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserID(r.Context())
	if !ok || id == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return uuid.Nil, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps domain errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, escrow.ErrPersistence) {
		message = "internal error"
	}
	writeError(w, status, message)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, escrow.ErrPersistence):
		return http.StatusInternalServerError
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrListingInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrCancelNotAllowed),
		errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrPolicyMismatch),
		errors.Is(err, storage.ErrListingInUse):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrChainCallFailed),
		errors.Is(err, escrow.ErrDepositFailed),
		errors.Is(err, escrow.ErrConfirmationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
