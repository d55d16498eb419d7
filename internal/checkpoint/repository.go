// Package checkpoint defines the versioned thread log and the repository
// contract every storage backend satisfies.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when a thread has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

// ErrMalformedPayload marks a tool payload that is not a JSON object.
var ErrMalformedPayload = errors.New("malformed tool payload")

// Repository stores full snapshots of a thread's log. Put assigns
// step = previous step + 1. Visibility is last-write-wins; concurrent
// writers for one thread are not serialized.
type Repository interface {
	Get(ctx context.Context, threadID string) (*Checkpoint, error)
	Put(ctx context.Context, threadID string, messages []Message, meta Metadata) (*Checkpoint, error)
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
	Ping(ctx context.Context) error
	Close() error
}

// PersistenceError reports a failed read or write against a backend.
type PersistenceError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s %q: %v", e.Op, e.ThreadID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Wrap turns a backend error into a PersistenceError. nil and ErrNotFound
// pass through untouched.
func Wrap(op, threadID string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, ThreadID: threadID, Err: err}
}

// EncodeMessages serializes a log for backends that store JSON documents.
func EncodeMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return data, nil
}

// DecodeMessages is the inverse of EncodeMessages.
func DecodeMessages(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}
