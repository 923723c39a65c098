// Package hostapi declares the surface the host editor environment must
// provide. The sentinel, cache, and enforcement packages depend only on
// these interfaces, so any editor integration that can satisfy them can
// embed the client.
package hostapi

import (
	"context"
	"time"
)

// SettingsStore is the host's boolean settings surface. The enforcement
// controller uses it to flip the suggestion feature flag.
type SettingsStore interface {
	GetBool(key string) (bool, error)
	SetBool(key string, value bool) error
}

// KVStore is a small durable key-value store the host provides for
// client-local state. Get reports ok=false for a missing key.
type KVStore interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// InvokeFunc is a model handle's invocation entrypoint.
type InvokeFunc func(ctx context.Context, prompt string) (string, error)

// ModelHandle is one invocable model the host exposes. SetInvoker lets
// an interceptor substitute a wrapped entrypoint.
type ModelHandle interface {
	ID() string
	ModelID() string
	Invoker() InvokeFunc
	SetInvoker(fn InvokeFunc)
}

// HandleRegistry enumerates the host's model handles. Other actors may
// register handles at any time; OnChange fires after the set changes.
type HandleRegistry interface {
	Handles() []ModelHandle
	OnChange(fn func()) (cancel func())
}

// DocumentChange describes one document mutation.
type DocumentChange struct {
	Text  string
	Lines int
	At    time.Time
}

// DocumentEvents delivers document mutation notifications.
type DocumentEvents interface {
	OnDidChange(fn func(DocumentChange)) (cancel func())
}
