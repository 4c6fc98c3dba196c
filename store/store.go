// Package store holds the small key-value backends used to persist the
// supported-coin cache and its refresh marker.
package store

import (
	"context"
	"errors"
	"regexp"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidKey = errors.New("invalid key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Store is a get/set surface over named keys. Set replaces the value wholesale,
// a reader sees either the old value or the new one.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Ping(ctx context.Context) error
}

func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && keyPattern.MatchString(key)
}
