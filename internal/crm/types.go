package crm

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("crm record not found")
	ErrInvalidInput = errors.New("invalid crm input")
)

type Vendor struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person,omitempty"`
	BankName      string    `json:"bank_name,omitempty"`
	BankAccount   string    `json:"bank_account,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

type Account struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

var allowedAccountTypes = map[string]struct{}{
	"payable": {}, "expense": {}, "asset": {}, "liability": {}, "income": {},
}
