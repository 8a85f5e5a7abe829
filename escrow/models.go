package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"escrowflow/clock"
)

// Address identifies a principal: a buyer, a seller, an arbitrator or the custody holder itself.
type Address string

// TransactionState is the custody lifecycle of one deal.
type TransactionState string

const (
	StateSetup    TransactionState = "setup"
	StateDeposit  TransactionState = "deposit"
	StateDispute  TransactionState = "dispute"
	StateComplete TransactionState = "complete"
)

// CanAdvance reports whether from -> to is an edge of the lifecycle:
//
//	setup -> deposit -> complete
//	              \-> dispute -> complete
//
// Complete is absorbing and nothing ever returns to setup or deposit.
func CanAdvance(from, to TransactionState) bool {
	switch from {
	case StateSetup:
		return to == StateDeposit
	case StateDeposit:
		return to == StateComplete || to == StateDispute
	case StateDispute:
		return to == StateComplete
	default:
		return false
	}
}

// Valid reports whether s is one of the four known states.
func (s TransactionState) Valid() bool {
	switch s {
	case StateSetup, StateDeposit, StateDispute, StateComplete:
		return true
	}
	return false
}

// DisputeState tracks a single dispute instance. Open -> Resolved is the only edge.
type DisputeState string

const (
	DisputeOpen     DisputeState = "open"
	DisputeResolved DisputeState = "resolved"
)

// Agreement holds the deal terms. Only State changes after creation, and only together
// with the owning Transaction.
type Agreement struct {
	ID        string           `json:"id"`
	Buyer     Address          `json:"buyer"`
	Seller    Address          `json:"seller"`
	Amount    decimal.Decimal  `json:"amount"`
	Deadline  clock.Timestamp  `json:"deadline"`
	State     TransactionState `json:"state"`
	CreatedAt clock.Timestamp  `json:"created_at"`
}

// Transaction is the custody record for one deal.
type Transaction struct {
	ID     string           `json:"id"`
	Buyer  Address          `json:"buyer"`
	Seller Address          `json:"seller"`
	Amount decimal.Decimal  `json:"amount"`
	Token  string           `json:"token"`
	State  TransactionState `json:"state"`
}

// IsParty reports whether addr is the buyer or the seller.
func (t Transaction) IsParty(addr Address) bool {
	return addr != "" && (addr == t.Buyer || addr == t.Seller)
}

// Outcome names who receives the custodied funds when a dispute is resolved.
type Outcome string

const (
	OutcomeReleaseSeller Outcome = "release_seller"
	OutcomeRefundBuyer   Outcome = "refund_buyer"
)

// Dispute is the contested sub-state of a transaction.
type Dispute struct {
	TransactionID string          `json:"transaction_id"`
	Raiser        Address         `json:"raiser"`
	State         DisputeState    `json:"state"`
	RaisedAt      clock.Timestamp `json:"raised_at"`
	ResolvedAt    clock.Timestamp `json:"resolved_at,omitempty"`
	Arbitrator    Address         `json:"arbitrator,omitempty"`
	Outcome       Outcome         `json:"outcome,omitempty"`
}

// AuditEntry is one immutable record of a state-mutating action.
type AuditEntry struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Seq           int64           `json:"seq"`
	Action        string          `json:"action"`
	Actor         Address         `json:"actor,omitempty"`
	RecordedAt    clock.Timestamp `json:"recorded_at"`
}

func (e AuditEntry) String() string {
	return fmt.Sprintf("Transaction: %s, Action: %s", e.TransactionID, e.Action)
}

// Action names recorded in the audit trail.
const (
	ActionDepositFunds       = "deposit_funds"
	ActionReleaseFunds       = "release_funds"
	ActionRaiseDispute       = "raise_dispute"
	ActionResolveDispute     = "resolve_dispute"
	ActionExecuteTransaction = "execute_transaction"
)
