package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/agreement"
	"escrowflow/authz"
	"escrowflow/clock"
	"escrowflow/escrow"
)

// opConfirmDelivery is the proof operation a buyer signs to confirm delivery.
const opConfirmDelivery = "confirm_delivery"

type createAgreementRequest struct {
	agreement.CreateParams
	// TTLSeconds is used when Deadline is zero.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

type raiseDisputeRequest struct {
	Raiser escrow.Address `json:"raiser" validate:"required,max=256"`
}

type resolveDisputeRequest struct {
	Arbitrator escrow.Address `json:"arbitrator" validate:"required,max=256"`
}

type principalRequest struct {
	Principal string `json:"principal" validate:"required,max=256"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
}

type proofRequest struct {
	Principal     string     `json:"principal" validate:"required"`
	Password      string     `json:"password" validate:"required"`
	Operation     string     `json:"operation" validate:"required"`
	TransactionID string     `json:"transaction_id" validate:"required"`
	Role          authz.Role `json:"role,omitempty" validate:"omitempty,oneof=party arbitrator"`
}

type proofResponse struct {
	Proof string `json:"proof"`
}

type executeResponse struct {
	TransactionID string                  `json:"transaction_id"`
	Step          string                  `json:"step"`
	State         escrow.TransactionState `json:"state"`
}

type faucetRequest struct {
	Token   string          `json:"token" validate:"required"`
	Address escrow.Address  `json:"address" validate:"required"`
	Amount  decimal.Decimal `json:"amount" validate:"positive_decimal"`
}

type balanceResponse struct {
	Token   string          `json:"token"`
	Address escrow.Address  `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// decodeValid decodes and validates a request body, writing the 400 response itself
// when either step fails.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return false
	}
	if err := validateRequest(dst); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"service": "escrowflow"})
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	params := req.CreateParams
	if params.Deadline == 0 && req.TTLSeconds > 0 {
		deadline, err := clock.ComputeDeadline(s.now(), time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		params.Deadline = deadline
	}

	if err := s.agreements.CreateAgreement(r.Context(), params); err != nil {
		writeDomainError(w, err)
		return
	}
	a, err := s.agreements.GetAgreement(r.Context(), params.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.GetAgreement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, a)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.agreements.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, t)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	t, err := s.agreements.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.custody.DepositFunds(r.Context(), t); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondTransaction(w, r, t.ID)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.machine.ReleaseFunds(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondTransaction(w, r, id)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if !decodeValid(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.disputes.RaiseDispute(r.Context(), id, req.Raiser); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondDispute(w, r, id, http.StatusCreated)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if !decodeValid(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.disputes.ResolveDispute(r.Context(), id, req.Arbitrator); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondDispute(w, r, id, http.StatusOK)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	s.respondDispute(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	step, err := s.machine.ExecuteTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	t, err := s.agreements.GetTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, executeResponse{TransactionID: id, Step: string(step), State: t.State})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	t, err := s.agreements.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	call := authz.Call{Principal: string(t.Buyer), Operation: opConfirmDelivery, TransactionID: t.ID}
	if err := s.verifier.Verify(r.Context(), call); err != nil {
		writeDomainError(w, escrow.E(opConfirmDelivery, escrow.KindUnauthorized, err))
		return
	}
	s.confirmations.Confirm(t.ID)
	writeSuccess(w, http.StatusAccepted, map[string]string{"transaction_id": t.ID})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.GetAuditLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, entries)
}

func (s *Server) handleRegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	var req principalRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := s.principals.Register(strings.TrimSpace(req.Principal), req.Password); err != nil {
		if errors.Is(err, authz.ErrPrincipalExists) {
			writeError(w, http.StatusConflict, "PRINCIPAL_EXISTS", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]string{"principal": req.Principal})
}

func (s *Server) handleGrantProof(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if !decodeValid(w, r, &req) {
		return
	}
	proof, err := s.authority.Grant(r.Context(), req.Password, authz.Call{
		Principal:     req.Principal,
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		Role:          req.Role,
	})
	if err != nil {
		if errors.Is(err, authz.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "UNAUTHORIZED", err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, proofResponse{Proof: proof})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := s.ledger.Mint(req.Token, req.Address, req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, balanceResponse{
		Token:   req.Token,
		Address: req.Address,
		Balance: s.ledger.Balance(req.Token, req.Address),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	addr := escrow.Address(chi.URLParam(r, "address"))
	writeSuccess(w, http.StatusOK, balanceResponse{Token: token, Address: addr, Balance: s.ledger.Balance(token, addr)})
}

func (s *Server) respondTransaction(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.agreements.GetTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, t)
}

func (s *Server) respondDispute(w http.ResponseWriter, r *http.Request, id string, status int) {
	d, err := s.disputes.GetDispute(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, status, d)
}
