package domain

import (
	"fmt"

	"github.com/google/uuid"

	kernelerrors "grantledger/core/errors"
	"grantledger/core/events"
)

// Allocator is the folded state of one voucher-code allocator. There is one
// allocator per (cycle, county), identified deterministically; it springs
// into existence at its first allocation, so the zero state is NextSequence
// of 1 with no codes.
type Allocator struct {
	ID           uuid.UUID
	GrantCycleID uuid.UUID
	NextSequence int64
	// Allocated maps code to the voucher holding it.
	Allocated map[string]uuid.UUID
}

// NewAllocator returns the empty allocator state for an id.
func NewAllocator(id, cycleID uuid.UUID) *Allocator {
	return &Allocator{ID: id, GrantCycleID: cycleID, NextSequence: 1, Allocated: make(map[string]uuid.UUID)}
}

// ReduceAllocator folds one event into the allocator state. Sequences must
// advance without gaps and codes must be unique.
func ReduceAllocator(a *Allocator, e events.Event) (*Allocator, error) {
	payload, err := events.Decode(e)
	if err != nil {
		return nil, err
	}
	p, ok := payload.(*events.VoucherCodeAllocated)
	if !ok {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "allocator: unexpected event %s", e.Type)
	}
	if a == nil {
		a = NewAllocator(e.AggregateID, e.GrantCycleID)
	}
	if p.Sequence != a.NextSequence {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken,
			"allocator %s: sequence %d out of order (expected %d)", a.ID, p.Sequence, a.NextSequence)
	}
	if _, exists := a.Allocated[p.Code]; exists {
		return nil, kernelerrors.Invariant(kernelerrors.CodeInvariantBroken, "allocator %s: code %s already allocated", a.ID, p.Code)
	}
	a.Allocated[p.Code] = p.VoucherID
	a.NextSequence = p.Sequence + 1
	return a, nil
}

// FoldAllocator replays an aggregate stream. An empty stream yields the
// initial state for the given allocator identity.
func FoldAllocator(id, cycleID uuid.UUID, stream []events.Event) (*Allocator, error) {
	a := NewAllocator(id, cycleID)
	var err error
	for _, e := range stream {
		if a, err = ReduceAllocator(a, e); err != nil {
			return nil, fmt.Errorf("fold allocator at event %s: %w", e.EventID, err)
		}
	}
	return a, nil
}
