// Package repository declares persistence contracts for tokens, device keys and keystore metadata.
package repository

import (
	"context"

	"github.com/and161185/tap-wallet/internal/model"
)

// TokenRepository stores token records and their transaction counters.
type TokenRepository interface {
	// Create inserts a new token; ErrAlreadyExists if the ref is taken.
	Create(ctx context.Context, t *model.Token) error

	// Get returns a token by ref or ErrNotFound.
	Get(ctx context.Context, tokenRef string) (*model.Token, error)

	// List returns all tokens ordered by creation time.
	List(ctx context.Context) ([]model.Token, error)

	// UpdateState moves a token from one state to another atomically.
	// ErrNotFound if unknown, ErrVersionConflict if the stored state is not from.
	UpdateState(ctx context.Context, tokenRef string, from, to model.TokenState, reason string) error

	// IncrementATC persists and returns the next counter value.
	// ErrNotFound if unknown, ErrCounterExhausted at model.MaxATC.
	IncrementATC(ctx context.Context, tokenRef string) (int64, error)
}

// KeyRepository stores wrapped device keys and keystore metadata.
type KeyRepository interface {
	// PutKey stores wrapped key material under a handle; ErrAlreadyExists if taken.
	PutKey(ctx context.Context, handle string, wrapped []byte) error

	// GetKey returns wrapped key material or ErrNotFound.
	GetKey(ctx context.Context, handle string) ([]byte, error)

	// DeleteKey removes the key; deleting an unknown handle is not an error.
	DeleteKey(ctx context.Context, handle string) error

	// GetMeta returns a metadata value or ErrNotFound.
	GetMeta(ctx context.Context, name string) ([]byte, error)

	// PutMeta inserts a metadata value once; ErrAlreadyExists if present.
	PutMeta(ctx context.Context, name string, value []byte) error
}
