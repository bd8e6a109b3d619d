package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"escrowmarket/escrow"
	"escrowmarket/models"
	"escrowmarket/services/escrowd/stream"
	"escrowmarket/storage"
)

// InitiateTransaction opens a purchase of a listing by the caller.
func (s *Server) InitiateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		ListingID          uuid.UUID `json:"listing_id"`
		BuyerWalletAddress string    `json:"buyer_wallet_address"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.ListingID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "listing_id is required")
		return
	}
	txn, err := s.coordinator.Initiate(r.Context(), req.ListingID, caller, req.BuyerWalletAddress)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// ListTransactions returns the caller's purchases and sales.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset := pageParams(r)
	filter := storage.TransactionFilter{
		Status:       models.TransactionStatus(q.Get("status")),
		EscrowStatus: models.EscrowStatus(q.Get("escrow_status")),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := q.Get("listing_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid listing_id")
			return
		}
		filter.ListingID = id
	}
	txns, err := s.coordinator.List(r.Context(), caller, filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// GetTransaction returns one transaction the caller is party to.
func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, func(ctx context.Context, id, caller uuid.UUID) (any, error) {
		return s.coordinator.Get(ctx, id, caller)
	})
}

// TransactionEvents returns the audit trail of a transaction.
func (s *Server) TransactionEvents(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, func(ctx context.Context, id, caller uuid.UUID) (any, error) {
		events, err := s.coordinator.Events(ctx, id, caller)
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": events}, nil
	})
}

// Deposit funds the escrow from the buyer's wallet.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, func(ctx context.Context, id, caller uuid.UUID) (any, error) {
		return s.coordinator.Deposit(ctx, id, caller)
	})
}

// Confirm records the caller's confirmation. The optional body names the
// role when a user is both buyer and seller of a transaction.
func (s *Server) Confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role escrow.Role `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	switch req.Role {
	case "", escrow.RoleBuyer, escrow.RoleSeller:
	default:
		writeError(w, http.StatusBadRequest, "role must be buyer or seller")
		return
	}
	s.withTransaction(w, r, func(ctx context.Context, id, caller uuid.UUID) (any, error) {
		return s.coordinator.Confirm(ctx, id, caller, req.Role)
	})
}

// Release pays out a buyer-release transaction.
func (s *Server) Release(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, func(ctx context.Context, id, caller uuid.UUID) (any, error) {
		return s.coordinator.Release(ctx, id, caller)
	})
}

// Cancel refunds or abandons the transaction.
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	s.withTransaction(w, r, func(ctx context.Context, id, caller uuid.UUID) (any, error) {
		return s.coordinator.Cancel(ctx, id, caller)
	})
}

func (s *Server) withTransaction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, caller uuid.UUID) (any, error)) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := fn(r.Context(), id, caller)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

const streamWriteTimeout = 10 * time.Second

// Stream upgrades to a websocket and pushes every committed change of one
// transaction. Clients resume with ?since=<sequence>.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.coordinator.Get(r.Context(), id, caller); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.hub.Subscribe(stream.Filter{UserID: caller, TransactionID: id}, since)
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	if since == 0 {
		// Snapshot after subscribing so no committed change falls between them.
		txn, err := s.coordinator.Get(ctx, id, caller)
		if err != nil {
			return
		}
		if err := s.writeEvent(ctx, conn, stream.Event{
			TransactionID: txn.ID,
			Status:        txn.Status,
			EscrowStatus:  txn.EscrowStatus,
			Transaction:   *txn,
			CreatedAt:     txn.UpdatedAt,
		}); err != nil {
			return
		}
	}
	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			break
		}
		if err := s.writeEvent(ctx, conn, evt); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt stream.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
