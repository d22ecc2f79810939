package racelab

import (
	"fmt"
	"runtime"
)

// PanicError wraps a recovered panic value together with the stack of the
// worker goroutine that panicked.
//
// A panic inside an [ItemFunc] never takes the worker down: it is converted
// to a *PanicError, wrapped in the item's [*ItemError], and the worker moves
// on to the next item of its chunk.
type PanicError struct {
	// Value is the original value passed to panic().
	Value any

	// Stack is the worker's stack at the point of recovery.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap returns the panic value if it is itself an error, so a panic(err)
// still matches errors.Is(err).
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// maxStack bounds the captured trace. Deep item stacks are truncated.
const maxStack = 64 << 10

func newPanicError(v any) *PanicError {
	buf := make([]byte, 4<<10)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) || len(buf) >= maxStack {
			return &PanicError{Value: v, Stack: string(buf[:n])}
		}
		buf = make([]byte, 2*len(buf))
	}
}
