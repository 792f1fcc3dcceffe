package engine

import (
	"sync/atomic"

	"github.com/sarchlab/m2rec/cpu"
)

// NoOrdinal is returned by GetOrdinal for addresses without a slot.
const NoOrdinal uint32 = 0xFFFFFFFF

// Kind tags what a table entry holds.
type Kind uint8

// Entry kinds.
const (
	KindDefaultFunction Kind = iota
	KindDefaultBlock
	KindCompiled
)

func (k Kind) String() string {
	switch k {
	case KindDefaultFunction:
		return "default-function"
	case KindDefaultBlock:
		return "default-block"
	default:
		return "compiled"
	}
}

// Entry is one published handler. Entries are immutable once stored.
type Entry struct {
	Kind     Kind
	Revision uint32
	Name     string
	Exec     cpu.Executable
}

// IsDefault reports whether the entry is one of the default handlers.
func (e *Entry) IsDefault() bool {
	return e.Kind != KindCompiled
}

var (
	defaultFunctionEntry = &Entry{Kind: KindDefaultFunction, Name: "execute_function", Exec: cpu.ExecuteFunction}
	defaultBlockEntry    = &Entry{Kind: KindDefaultBlock, Name: "execute_till_return", Exec: cpu.ExecuteTillReturn}
)

// ExecutableTable maps ordinals to their current handler. The engine
// worker is the only writer; emulated threads read without locking.
type ExecutableTable struct {
	slots []atomic.Pointer[Entry]
}

func newExecutableTable(capacity uint32) *ExecutableTable {
	return &ExecutableTable{slots: make([]atomic.Pointer[Entry], capacity)}
}

// Capacity returns the number of slots.
func (t *ExecutableTable) Capacity() int {
	return len(t.slots)
}

// Load returns the entry published for an ordinal, or nil for a slot that
// was never allocated.
func (t *ExecutableTable) Load(ordinal uint32) *Entry {
	if int(ordinal) >= len(t.slots) {
		return nil
	}
	return t.slots[ordinal].Load()
}

func (t *ExecutableTable) store(ordinal uint32, e *Entry) {
	t.slots[ordinal].Store(e)
}
