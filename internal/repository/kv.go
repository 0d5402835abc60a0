package repository

import (
	"context"

	"account-sync/internal/domain"
)

// KVStore is one handle onto a key-value medium shared by several registry instances.
//
// Writes are last-write-wins per key. Every other handle open on the same medium
// receives a StorageEvent for each Set or Remove; the writing handle does not.
// Delivery is best effort: a subscriber that falls behind loses events and has to
// re-read the store instead of relying on them.
type KVStore interface {
	Init(ctx context.Context) error
	// Origin identifies this handle in the events it emits.
	Origin() string
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// Subscribe streams events written by other handles until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan domain.StorageEvent, error)
	Close() error
}

// EventBuffer is the per-subscriber channel capacity used by the bundled stores.
const EventBuffer = 64
