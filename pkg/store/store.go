// Package store persists what a room needs to survive a suspension: one
// attachment per live connection and the room's custom-field definitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Attachment is the serialized state bound to one connection of a room.
type Attachment struct {
	ConnID string
	Role   string
	State  []byte
}

// Record is one keyed value in insertion order.
type Record struct {
	Key   string
	Value []byte
}

type AttachmentStore interface {
	SaveAttachment(ctx context.Context, room string, a Attachment) error
	DeleteAttachment(ctx context.Context, room, connID string) error
	// LoadAttachments returns every attachment of the room, oldest first.
	LoadAttachments(ctx context.Context, room string) ([]Attachment, error)
}

type CustomStore interface {
	// PutCustom inserts or replaces key. Replacing keeps the original order.
	PutCustom(ctx context.Context, room, key string, value []byte) error
	DeleteCustom(ctx context.Context, room, key string) error
	ListCustoms(ctx context.Context, room string) ([]Record, error)
}

type Store interface {
	AttachmentStore
	CustomStore
	Close() error
}

var ErrUnknownDriver = errors.New("unknown store driver")

// Options selects and configures a driver.
type Options struct {
	Driver        string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the store named by opts.Driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemory(logger), nil
	case "sqlite":
		return OpenSQLite(opts.SQLitePath, logger)
	case "redis":
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
