// Package queue carries repair requests from producers to the single-writer worker.
//
// A request holds its own RequestedAt, so the contract derived from it is identical on
// every delivery. Redelivery is therefore safe: the orchestrator reports it as a
// duplicate instead of creating a second repair.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/contracts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

// ErrClosed is returned by a queue that no longer accepts or yields requests.
var ErrClosed = errors.New("queue closed")

// Request is one repair request in flight.
type Request struct {
	RequestID     string    `json:"request_id"`
	TargetJobID   string    `json:"target_job_id"`
	BatchIndices  []int     `json:"batch_indices"`
	Reason        string    `json:"reason"`
	OperationMode string    `json:"operation_mode,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// NewRequest stamps a request with a fresh id and the given time.
func NewRequest(target string, indices []int, reason, mode string, now time.Time) (Request, error) {
	req := Request{
		RequestID:     uuid.NewString(),
		TargetJobID:   target,
		BatchIndices:  append([]int(nil), indices...),
		Reason:        reason,
		OperationMode: mode,
		RequestedAt:   now.UTC(),
	}
	return req, req.Validate()
}

// Validate rejects requests the worker could never process.
func (r Request) Validate() error {
	if !contracts.ValidJobID(r.TargetJobID) {
		return fmt.Errorf("%w: target job id %q", repairerrors.ErrInvalidInput, r.TargetJobID)
	}
	if len(r.BatchIndices) == 0 {
		return fmt.Errorf("%w: batch indices are required", repairerrors.ErrInvalidInput)
	}
	if r.RequestedAt.IsZero() {
		return fmt.Errorf("%w: requested_at is required", repairerrors.ErrInvalidInput)
	}
	return nil
}

func encode(r Request) ([]byte, error) {
	return json.Marshal(r)
}

func decode(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: decode request: %v", repairerrors.ErrInvalidInput, err)
	}
	return r, nil
}

// Queue is a FIFO of repair requests.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	// Dequeue blocks until a request is available or ctx is done.
	Dequeue(ctx context.Context) (Request, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue struct {
	ch     chan Request
	closed chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan Request, capacity), closed: make(chan struct{})}
}

// Enqueue blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- req:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Request, error) {
	select {
	case req := <-q.ch:
		return req, nil
	case <-q.closed:
		return Request{}, ErrClosed
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.ch), nil
}

// Close stops the queue. Requests still buffered are dropped.
func (q *MemoryQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
