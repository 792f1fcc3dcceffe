// Package cpu defines the emulated thread surface shared by the interpreter,
// compiled code and the hybrid dispatcher: the Executable calling contract,
// the thread status flags and the default-handler trampolines.
package cpu

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/sarchlab/m2rec/emu"
)

// Status flags.
const (
	StatusStop uint32 = 1 << iota
	StatusPause
)

// Thread is one emulated guest thread. It wraps the interpreter state and
// the status flags polled by both interpreted and compiled code.
type Thread struct {
	ID int

	// Interp is the fallback interpreter; its register file is the thread's
	// architectural state.
	Interp *emu.Emulator

	// Decoder is the driver the default handlers hand control back to.
	Decoder Decoder

	status atomic.Uint32

	mu       sync.Mutex
	resumed  *sync.Cond
	exitCode int64
	err      error
}

// NewThread creates a thread around an interpreter.
func NewThread(id int, interp *emu.Emulator) *Thread {
	t := &Thread{ID: id, Interp: interp}
	t.resumed = sync.NewCond(&t.mu)
	return t
}

// Regs returns the thread's register file.
func (t *Thread) Regs() *emu.RegFile {
	return t.Interp.RegFile()
}

// Mem returns the address space the thread runs in.
func (t *Thread) Mem() *emu.Memory {
	return t.Interp.Memory()
}

// Stop asks the thread to leave whatever code it is running.
func (t *Thread) Stop() {
	t.mu.Lock()
	t.status.Store(t.status.Load() | StatusStop)
	t.resumed.Broadcast()
	t.mu.Unlock()
}

// Pause parks the thread at its next status poll until Resume or Stop.
func (t *Thread) Pause() {
	t.mu.Lock()
	t.status.Store(t.status.Load() | StatusPause)
	t.mu.Unlock()
}

// Resume releases a paused thread.
func (t *Thread) Resume() {
	t.mu.Lock()
	t.status.Store(t.status.Load() &^ StatusPause)
	t.resumed.Broadcast()
	t.mu.Unlock()
}

// Stopped reports whether the stop flag is set.
func (t *Thread) Stopped() bool {
	return t.status.Load()&StatusStop != 0
}

// CheckStatus is polled by the dispatch loop and by compiled code on
// backward transfers. It blocks while the thread is paused and reports
// whether the thread must stop.
func (t *Thread) CheckStatus() bool {
	s := t.status.Load()
	if s == 0 {
		return false
	}
	if s&StatusPause != 0 {
		t.mu.Lock()
		for t.status.Load()&StatusPause != 0 && t.status.Load()&StatusStop == 0 {
			t.resumed.Wait()
		}
		t.mu.Unlock()
	}
	return t.Stopped()
}

// Exit records the guest exit status and stops the thread.
func (t *Thread) Exit(code int64) {
	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
	t.Stop()
}

// Fail records an execution error and stops the thread. Only the first
// error is kept.
func (t *Thread) Fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.Stop()
}

// ExitCode returns the status passed to Exit.
func (t *Thread) ExitCode() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Err returns the error that stopped the thread, if any.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
