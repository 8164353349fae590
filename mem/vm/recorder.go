package vm

import (
	"fmt"

	"github.com/Talon396/owlOS/datarecording"
	"github.com/Talon396/owlOS/sim/hooking"
)

// OpTable is the table OpRecorder writes into.
const OpTable = "vm_ops"

// OpRecord is one row of OpTable. Addresses are hex strings because SQLite
// integers are signed and kernel-half addresses do not fit.
type OpRecord struct {
	Op     string
	Space  string
	VAddr  string
	PAddr  string
	Detail string
}

// An OpRecorder stores every kernel operation into a DataRecorder.
type OpRecorder struct {
	recorder datarecording.DataRecorder
}

// NewOpRecorder creates the operation table and returns the recorder hook.
func NewOpRecorder(recorder datarecording.DataRecorder) *OpRecorder {
	recorder.CreateTable(OpTable, OpRecord{})

	return &OpRecorder{recorder: recorder}
}

// Func records the operation.
func (r *OpRecorder) Func(ctx hooking.HookCtx) {
	as, ok := ctx.Item.(*AddressSpace)
	if !ok {
		return
	}

	record := OpRecord{
		Op:    ctx.Pos.Name,
		Space: as.ID(),
	}

	switch d := ctx.Detail.(type) {
	case MapDetail:
		record.VAddr = hexAddr(d.VAddr)
		record.PAddr = hexAddr(d.PAddr)
	case UnmapDetail:
		record.VAddr = hexAddr(d.VAddr)
	case SwitchDetail:
		record.PAddr = hexAddr(d.Root)
	case FrameFreeDetail:
		record.PAddr = hexAddr(d.PAddr)
	}

	if s, ok := ctx.Detail.(fmt.Stringer); ok {
		record.Detail = s.String()
	}

	r.recorder.InsertData(OpTable, record)
}

func hexAddr(addr uint64) string {
	return fmt.Sprintf("0x%016x", addr)
}
