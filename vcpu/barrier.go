package vcpu

import "sync"

// Barrier is a quiesce rendezvous point for checkpoint and migration: the
// controller calls RequestStop on every CPU, then waits on the Barrier
// (WaitAllArrived) until all of them have called Arrive from inside their
// run loops, and finally calls Release once it has taken whatever snapshot
// it needed.
//
// There is no third-party primitive in this stack for this; sync.Cond is
// the idiomatic stdlib tool for an N-party rendezvous with no fixed
// round count, unlike sync.WaitGroup which cannot be reused once it
// reaches zero without a fresh Add.
type Barrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	want     int
	arrived  int
	released bool
	round    uint64
}

// NewBarrier returns a Barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{want: n}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Arrive is called by a vCPU's run loop once it has stopped and saved
// whatever state the quiesce needs; it blocks until Release is called.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()

	round := b.round
	b.arrived++
	b.cond.Broadcast()

	// Waiting on the round counter as well as released keeps a Reset that
	// runs before a woken waiter re-checks from blocking it again.
	for !b.released && b.round == round {
		b.cond.Wait()
	}
}

// WaitAllArrived blocks the controller until every participant has called
// Arrive.
func (b *Barrier) WaitAllArrived() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.arrived < b.want {
		b.cond.Wait()
	}
}

// Release lets every blocked Arrive call return, resuming the vCPUs.
func (b *Barrier) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.released = true
	b.arrived = 0
	b.round++
	b.cond.Broadcast()
}

// Reset prepares the Barrier for another quiesce round.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.released = false
}
