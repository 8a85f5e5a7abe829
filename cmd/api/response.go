package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowflow/authz"
	"escrowflow/escrow"
	"escrowflow/store"
	"escrowflow/transfer"
)

type successEnvelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successEnvelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Status: "error", Code: code, Message: message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeError(w, status, code, message)
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, authz.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case errors.Is(err, transfer.ErrUnavailable):
		return http.StatusServiceUnavailable, "TRANSFER_UNAVAILABLE"
	}

	switch escrow.KindOf(err) {
	case escrow.KindAgreementAlreadyExists:
		return http.StatusConflict, "AGREEMENT_ALREADY_EXISTS"
	case escrow.KindAgreementNotFound:
		return http.StatusNotFound, "AGREEMENT_NOT_FOUND"
	case escrow.KindTransactionNotFound:
		return http.StatusNotFound, "TRANSACTION_NOT_FOUND"
	case escrow.KindDisputeNotFound:
		return http.StatusNotFound, "DISPUTE_NOT_FOUND"
	case escrow.KindInvalidTransactionState:
		return http.StatusConflict, "INVALID_TRANSACTION_STATE"
	case escrow.KindInvalidDisputeState:
		return http.StatusConflict, "INVALID_DISPUTE_STATE"
	case escrow.KindUnauthorized:
		return http.StatusForbidden, "UNAUTHORIZED"
	case escrow.KindInsufficientFunds:
		return http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	case escrow.KindDeadlineExceeded:
		return http.StatusUnprocessableEntity, "DEADLINE_EXCEEDED"
	case escrow.KindInvalidInput:
		return http.StatusBadRequest, "INVALID_INPUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
