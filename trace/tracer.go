package trace

// Sink consumes finished traces. The recompilation engine is the only
// production sink; NotifyTrace must be safe for concurrent use.
type Sink interface {
	NotifyTrace(t *Trace)
}

// Tracer is owned by one emulated thread. It keeps a stack of in-flight
// traces, one per function activation being traced.
type Tracer struct {
	sink  Sink
	stack []*Trace
}

// NewTracer creates a tracer that hands finished traces to sink.
func NewTracer(sink Sink) *Tracer {
	return &Tracer{
		sink:  sink,
		stack: make([]*Trace, 0, 100),
	}
}

// Depth returns the number of in-flight traces.
func (t *Tracer) Depth() int {
	return len(t.stack)
}

func (t *Tracer) active() *Trace {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *Tracer) pop(kind Kind) {
	tr := t.active()
	if tr == nil {
		return
	}
	t.stack = t.stack[:len(t.stack)-1]
	tr.Kind = kind
	t.sink.NotifyTrace(tr)
}

// EnterFunction starts a trace for the function at addr.
func (t *Tracer) EnterFunction(addr uint32) {
	t.stack = append(t.stack, &Trace{FunctionAddress: addr})
}

// Instruction records an interpreted instruction. If addr is already in the
// active trace, the suffix starting at that occurrence is emitted as a loop
// and the active trace keeps everything up to and including it.
func (t *Tracer) Instruction(addr uint32) {
	tr := t.active()
	if tr == nil {
		return
	}

	for i := len(tr.Entries) - 1; i >= 0; i-- {
		e := tr.Entries[i]
		if e.Type == FunctionCall || e.Address != addr {
			continue
		}

		loop := &Trace{
			FunctionAddress: tr.FunctionAddress,
			Kind:            Loop,
			Entries:         append([]Entry(nil), tr.Entries[i:]...),
		}
		tr.Entries = tr.Entries[:i+1]
		t.sink.NotifyTrace(loop)
		return
	}

	tr.Entries = append(tr.Entries, Entry{Type: Instruction, Address: addr})
}

// CallFunction records a call to addr in the active trace.
func (t *Tracer) CallFunction(addr uint32) {
	tr := t.active()
	if tr == nil {
		return
	}
	tr.Entries = append(tr.Entries, Entry{Type: FunctionCall, Address: addr})
}

// ExitFromCompiledFunction starts tracing fn after its compiled code left
// through exit. A zero exit means execution stayed in linked code.
func (t *Tracer) ExitFromCompiledFunction(fn, exit uint32) {
	if exit == 0 {
		return
	}
	t.stack = append(t.stack, &Trace{
		FunctionAddress: fn,
		Entries:         []Entry{{Type: CompiledBlock, Address: fn, ExitAddress: exit}},
	})
}

// ExitFromCompiledBlock records a run of compiled code. A zero exit means
// the block returned from the function, which finishes the active trace.
func (t *Tracer) ExitFromCompiledBlock(entry, exit uint32) {
	tr := t.active()
	if tr == nil {
		return
	}
	tr.Entries = append(tr.Entries, Entry{Type: CompiledBlock, Address: entry, ExitAddress: exit})
	if exit == 0 {
		t.pop(Linear)
	}
}

// Return finishes the active trace.
func (t *Tracer) Return() {
	t.pop(Linear)
}

// Terminate drops all in-flight traces. Called when the thread exits.
func (t *Tracer) Terminate() {
	t.stack = t.stack[:0]
}
