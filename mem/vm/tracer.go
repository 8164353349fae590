package vm

import (
	"fmt"
	"io"

	"github.com/Talon396/owlOS/sim/hooking"
)

// An OpTracer writes one CSV line per kernel operation: the hook position,
// the address space ID and the operation detail.
type OpTracer struct {
	writer io.Writer
}

// NewOpTracer produce a new OpTracer, injecting the dependency of a writer.
func NewOpTracer(w io.Writer) *OpTracer {
	t := new(OpTracer)
	t.writer = w

	return t
}

// Func prints the trace line.
func (t *OpTracer) Func(ctx hooking.HookCtx) {
	as, ok := ctx.Item.(*AddressSpace)
	if !ok {
		return
	}

	detail := ""
	if s, ok := ctx.Detail.(fmt.Stringer); ok {
		detail = s.String()
	}

	_, err := fmt.Fprintf(t.writer, "%s,%s,%s\n", ctx.Pos.Name, as.ID(), detail)
	if err != nil {
		panic(err)
	}
}
