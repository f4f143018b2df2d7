package control

import "sync"

// Barrier is a cyclic, two-phase rendezvous point for a fixed number of
// parties: Wait blocks until every party has called it, then releases
// all of them together and resets for the next cycle. Neither the
// standard library nor golang.org/x/sync ships a reusable cyclic
// barrier, so this is built directly on sync.Cond.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	phase   uint64
}

// NewBarrier builds a Barrier for the given number of parties.
func NewBarrier(parties int) *Barrier {
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Wait blocks until parties calls to Wait have arrived in this phase,
// then returns in all of them and advances to the next phase.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	phase := b.phase
	b.waiting++

	if b.waiting == b.parties {
		b.waiting = 0
		b.phase++
		b.cond.Broadcast()

		return
	}

	for b.phase == phase {
		b.cond.Wait()
	}
}
