// Package control holds the state a VM's vCPU threads and main loop
// share without locks: the running/interrupt flags and the two-phase
// barrier that freezes every vCPU for a checkpoint or migration.
package control

import "sync/atomic"

// Data is shared across the VM's main thread and every vCPU thread.
// running and interrupt are plain atomics; Barrier is the only
// synchronization primitive that ever blocks a vCPU thread.
type Data struct {
	Barrier *Barrier

	running   atomic.Bool
	interrupt atomic.Bool
}

// New builds a Data for a VM with numCPUs vCPUs: the barrier has
// numCPUs+1 parties, one per vCPU plus the main loop thread that
// drives a checkpoint or migration freeze.
func New(numCPUs int) *Data {
	d := &Data{Barrier: NewBarrier(numCPUs + 1)}
	d.running.Store(true)

	return d
}

// Running reports whether the guest is still live.
func (d *Data) Running() bool { return d.running.Load() }

// SetRunning updates the running flag.
func (d *Data) SetRunning(v bool) { d.running.Store(v) }

// Interrupted reports whether a checkpoint or migration freeze is in
// progress: every vCPU thread observing this arrives at the barrier
// twice (once to freeze, once to resume) before continuing its loop.
func (d *Data) Interrupted() bool { return d.interrupt.Load() }

// SetInterrupted starts or ends a freeze.
func (d *Data) SetInterrupted(v bool) { d.interrupt.Store(v) }
