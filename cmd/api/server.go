package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/agreement"
	"escrowflow/authz"
	"escrowflow/clock"
	"escrowflow/escrow"
	"escrowflow/lifecycle"
)

type agreementService interface {
	CreateAgreement(ctx context.Context, p agreement.CreateParams) error
	GetAgreement(ctx context.Context, id string) (escrow.Agreement, error)
	GetTransaction(ctx context.Context, id string) (escrow.Transaction, error)
}

type custodyService interface {
	DepositFunds(ctx context.Context, t escrow.Transaction) error
}

type disputeService interface {
	RaiseDispute(ctx context.Context, id string, raiser escrow.Address) error
	ResolveDispute(ctx context.Context, id string, arbitrator escrow.Address) error
	GetDispute(ctx context.Context, id string) (escrow.Dispute, error)
}

type executor interface {
	ExecuteTransaction(ctx context.Context, id string) (lifecycle.Step, error)
	ReleaseFunds(ctx context.Context, id string) error
}

type auditReader interface {
	GetAuditLogs(ctx context.Context, id string) ([]escrow.AuditEntry, error)
}

type confirmer interface {
	Confirm(id string)
}

type principalRegistry interface {
	Register(name, password string, roles ...authz.Role) error
}

type proofGranter interface {
	Grant(ctx context.Context, password string, call authz.Call) (string, error)
}

type faucet interface {
	Mint(token string, addr escrow.Address, amount decimal.Decimal) error
	Balance(token string, addr escrow.Address) decimal.Decimal
}

// Server exposes the escrow operations over HTTP.
type Server struct {
	agreements    agreementService
	custody       custodyService
	disputes      disputeService
	machine       executor
	audit         auditReader
	confirmations confirmer
	verifier      authz.Verifier
	principals    principalRegistry
	authority     proofGranter
	// ledger is nil unless the development faucet is enabled.
	ledger faucet
	clock  clock.Source
	logger *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func (s *Server) now() clock.Timestamp {
	if s.clock == nil {
		return clock.System{}.Now()
	}
	return s.clock.Now()
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.log()))
	r.Use(loggingMiddleware(s.log()))
	r.Use(proofsMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agreements", s.handleCreateAgreement)
		r.Get("/agreements/{id}", s.handleGetAgreement)

		r.Route("/transactions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTransaction)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/release", s.handleRelease)
			r.Post("/disputes", s.handleRaiseDispute)
			r.Post("/disputes/resolve", s.handleResolveDispute)
			r.Get("/dispute", s.handleGetDispute)
			r.Post("/execute", s.handleExecute)
			r.Post("/confirmations", s.handleConfirm)
			r.Get("/audit", s.handleAudit)
		})

		r.Post("/principals", s.handleRegisterPrincipal)
		r.Post("/proofs", s.handleGrantProof)

		if s.ledger != nil {
			r.Post("/faucet", s.handleFaucet)
			r.Get("/balances/{token}/{address}", s.handleBalance)
		}
	})
	return r
}
