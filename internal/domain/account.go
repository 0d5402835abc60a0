package domain

import (
	"errors"
	"fmt"
	"time"
)

// AccountStatus describes whether an account may be used.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

// Account is a registered user record as persisted in the shared store.
type Account struct {
	ID              string        `json:"id,omitempty"`
	Username        string        `json:"username"`
	Email           string        `json:"email"`
	Balance         float64       `json:"balance"`
	GameBalance     float64       `json:"gameBalance"`
	TransactionCode string        `json:"transactionCode,omitempty"`
	Status          AccountStatus `json:"status,omitempty"`
	RegisteredAt    time.Time     `json:"registeredAt,omitzero"`
	LastSeen        time.Time     `json:"lastSeen,omitzero"`
	Source          string        `json:"source,omitempty"`
	Browser         string        `json:"browser,omitempty"`
	Device          string        `json:"device,omitempty"`
}

// RegisterInput carries the caller supplied fields of a registration.
type RegisterInput struct {
	Username    string
	Email       string
	Balance     float64
	GameBalance float64
	Status      AccountStatus
	Source      string
	// UserAgent classifies the client environment. Empty falls back to the registry's own.
	UserAgent string
}

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError is returned when a required registration field is missing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
