package types

import (
	"time"

	"gorm.io/gorm"
)

// Side identifies which half of the book a proposal or order acts on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Verdict is one authority's independent decision on a proposal.
type Verdict string

const (
	VerdictUnset    Verdict = ""
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
)

// ProposalStatus is the single explicit lifecycle state of a proposal.
// Transitions are monotonic toward a terminal state and never regress.
type ProposalStatus string

const (
	StatusPending         ProposalStatus = "pending"
	StatusApproved        ProposalStatus = "approved"
	StatusReady           ProposalStatus = "ready"
	StatusFinalized       ProposalStatus = "finalized"
	StatusShadowFinalized ProposalStatus = "shadow_finalized"
	StatusDenied          ProposalStatus = "denied"
	StatusFailed          ProposalStatus = "failed"
	StatusExpired         ProposalStatus = "expired"
)

// proposalTransitions is the authoritative transition table. A status not
// present as a key is terminal.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	StatusPending:  {StatusApproved, StatusDenied, StatusFailed, StatusExpired},
	StatusApproved: {StatusReady, StatusFailed, StatusExpired},
	StatusReady:    {StatusFinalized, StatusShadowFinalized, StatusFailed, StatusExpired},
}

// CanTransition reports whether moving a proposal from one status to another
// is legal under the transition table.
func CanTransition(from, to ProposalStatus) bool {
	for _, next := range proposalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func (s ProposalStatus) IsTerminal() bool {
	_, ok := proposalTransitions[s]
	return !ok
}

// Proposal is a trade intent awaiting independent approval from the risk,
// funds and inventory authorities. The three verdict columns are audit data;
// the Status column is the only source of truth for lifecycle phase.
type Proposal struct {
	gorm.Model    `json:"-"`
	ProposalID    uint           `gorm:"uniqueIndex;autoIncrement:false" json:"proposal_id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	PriceIntent   float64        `json:"price_intent"`
	SizeIntent    float64        `json:"size_intent"`
	RiskVet       Verdict        `json:"risk_vet"`
	BankVet       Verdict        `json:"bank_vet"`
	InvtVet       Verdict        `json:"invt_vet"`
	Status        ProposalStatus `json:"status"`
	DecisionStamp *time.Time     `json:"decision_stamp,omitempty"`
	DecisionNotes string         `json:"decision_notes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Notional is the quote-currency value of the intent.
func (p *Proposal) Notional() float64 {
	return p.PriceIntent * p.SizeIntent
}

// AllApproved reports whether every authority has independently approved.
func (p *Proposal) AllApproved() bool {
	return p.RiskVet == VerdictApproved &&
		p.BankVet == VerdictApproved &&
		p.InvtVet == VerdictApproved
}
