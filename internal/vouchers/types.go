package vouchers

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("voucher not found")
	ErrInvalidInput      = errors.New("invalid voucher input")
	ErrInvalidTransition = errors.New("invalid voucher status transition")
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// allowedTransitions is the whole workflow: draft is submitted, a submitted
// voucher is approved or rejected, a rejected one can be reworked back to
// draft.
var allowedTransitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted},
	StatusSubmitted: {StatusApproved, StatusRejected},
	StatusRejected:  {StatusDraft},
}

func canTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether a transition into to is reserved for
// holders of the approve-voucher capability.
func RequiresApproval(to Status) bool {
	return to == StatusApproved || to == StatusRejected
}

type Line struct {
	LineNo      int    `json:"line_no"`
	Description string `json:"description"`
	AccountName string `json:"account_name"`
	Amount      string `json:"amount"`
}

type Voucher struct {
	ID            string     `json:"id"`
	VoucherNumber string     `json:"voucher_number"`
	Vendor        string     `json:"vendor"`
	Requester     string     `json:"requester"`
	InvoiceRef    string     `json:"invoice_ref,omitempty"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Lines         []Line     `json:"lines"`
	CreatedAt     time.Time  `json:"created_at"`
	LastModified  time.Time  `json:"last_modified"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
}
