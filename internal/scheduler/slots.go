package scheduler

import (
	"fmt"
	"sync"
)

// SlotPool hands out execution slot ids 0..size-1. A slot is owned by at
// most one trial at a time and must be released exactly once.
type SlotPool struct {
	mu    sync.Mutex
	owner []int // trial id per slot, -1 when free
	free  int
}

// NewSlotPool creates a pool with size slots.
func NewSlotPool(size int) *SlotPool {
	owner := make([]int, size)
	for i := range owner {
		owner[i] = -1
	}
	return &SlotPool{owner: owner, free: size}
}

// Acquire assigns the lowest free slot to trialID. ok is false when every
// slot is taken.
func (p *SlotPool) Acquire(trialID int) (slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.owner {
		if o == -1 {
			p.owner[i] = trialID
			p.free--
			return i, true
		}
	}
	return -1, false
}

// Claim takes a specific slot, used when reattaching trials after a
// restart. If that slot is taken any free slot is returned instead.
func (p *SlotPool) Claim(slot, trialID int) (int, bool) {
	p.mu.Lock()
	if slot >= 0 && slot < len(p.owner) && p.owner[slot] == -1 {
		p.owner[slot] = trialID
		p.free--
		p.mu.Unlock()
		return slot, true
	}
	p.mu.Unlock()
	return p.Acquire(trialID)
}

// Release frees slot. It fails if the slot is free already or owned by
// another trial, so a double release never goes unnoticed.
func (p *SlotPool) Release(slot, trialID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.owner) {
		return fmt.Errorf("release slot %d: out of range", slot)
	}
	if p.owner[slot] != trialID {
		return fmt.Errorf("release slot %d: held by trial %d, not %d", slot, p.owner[slot], trialID)
	}
	p.owner[slot] = -1
	p.free++
	return nil
}

// Free returns the number of unassigned slots.
func (p *SlotPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Size returns the total number of slots.
func (p *SlotPool) Size() int {
	return len(p.owner)
}

// InUse returns the number of assigned slots.
func (p *SlotPool) InUse() int {
	return p.Size() - p.Free()
}
