package backend

import (
	"context"
	"fmt"
	"time"
)

var (
	ErrNotFound = fmt.Errorf("not found")
)

const (
	// AccountCacheTTL bounds how long a resolved account id is trusted.
	AccountCacheTTL = time.Hour
	// UnverificationHistory is how many audit records are kept per change.
	UnverificationHistory = 100
)

type Backend interface {
	// SaveAccount caches the account id a username resolved to
	SaveAccount(ctx context.Context, username string, accountID int) error
	// GetAccount returns a cached account id or ErrNotFound
	GetAccount(ctx context.Context, username string) (int, error)
	// SaveUnverification records a removed Verified vote
	SaveUnverification(context.Context, *Unverification) error
	// ListUnverifications returns the removed votes of a change, oldest first
	ListUnverifications(ctx context.Context, change int) ([]*Unverification, error)
	// SaveTrigger records a verify job triggered for a change
	SaveTrigger(context.Context, *Trigger) error
	// LastTrigger returns the latest trigger of a change or ErrNotFound
	LastTrigger(ctx context.Context, change int) (*Trigger, error)
	Close() error
}

// Unverification is one Verified vote removed from a change
type Unverification struct {
	// Change is the change number in Gerrit
	Change int `json:"change"`
	// Topic that caused the removal, empty when the change lost its topic
	Topic     string    `json:"topic,omitempty"`
	Voter     string    `json:"voter"`
	VoterID   int       `json:"voterId"`
	Value     int       `json:"value"`
	Event     string    `json:"event,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Trigger is one verify job started for a change
type Trigger struct {
	ID        string    `json:"id"`
	Change    int       `json:"change"`
	Project   string    `json:"project"`
	AccountID int       `json:"accountId"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"createdAt"`
}
