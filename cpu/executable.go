package cpu

// Executable is the calling contract shared by compiled regions and the
// default handlers. ctx is either 0 or a packed (function, exit instruction)
// pair, see PackContext. The result is 0 when the region returned from its
// function, and otherwise the address of the instruction through which
// control left the region; the thread's PC already holds the successor.
type Executable func(t *Thread, ctx uint64) uint32

// Decoder drives a thread outside compiled code.
type Decoder interface {
	ExecuteFunction(ctx uint64) uint32
	ExecuteTillReturn(ctx uint64) uint32
}

// ExecuteFunction is the default handler for function entry points.
func ExecuteFunction(t *Thread, ctx uint64) uint32 {
	return t.Decoder.ExecuteFunction(ctx)
}

// ExecuteTillReturn is the default handler for block entry points and the
// target of linkable exits.
func ExecuteTillReturn(t *Thread, ctx uint64) uint32 {
	return t.Decoder.ExecuteTillReturn(ctx)
}

// PackContext builds the context passed from a linkable exit.
func PackContext(function, exit uint32) uint64 {
	return uint64(function)<<32 | uint64(exit)
}

// UnpackContext splits a context built by PackContext.
func UnpackContext(ctx uint64) (function, exit uint32) {
	return uint32(ctx >> 32), uint32(ctx)
}
