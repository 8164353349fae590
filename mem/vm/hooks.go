package vm

import (
	"fmt"

	"github.com/Talon396/owlOS/sim/hooking"
)

// Hook positions of the Kernel. The hook Item is always the *AddressSpace the
// operation acted on.
var (
	HookPosCreate  = &hooking.HookPos{Name: "Create"}
	HookPosMap     = &hooking.HookPos{Name: "Map"}
	HookPosUnmap   = &hooking.HookPos{Name: "Unmap"}
	HookPosClone   = &hooking.HookPos{Name: "Clone"}
	HookPosSwitch  = &hooking.HookPos{Name: "Switch"}
	HookPosDestroy = &hooking.HookPos{Name: "Destroy"}

	HookPosFrameFree = &hooking.HookPos{Name: "FrameFree"}
)

// MapDetail is the hook detail of HookPosMap.
type MapDetail struct {
	VAddr uint64
	PAddr uint64
}

func (d MapDetail) String() string {
	return fmt.Sprintf("0x%x->0x%x", d.VAddr, d.PAddr)
}

// UnmapDetail is the hook detail of HookPosUnmap.
type UnmapDetail struct {
	VAddr uint64
}

func (d UnmapDetail) String() string {
	return fmt.Sprintf("0x%x", d.VAddr)
}

// CloneDetail is the hook detail of HookPosClone. The hook Item is the child.
type CloneDetail struct {
	ParentID    string
	Thread      bool
	CopiedPages int
}

func (d CloneDetail) String() string {
	kind := "fork"
	if d.Thread {
		kind = "thread"
	}

	return fmt.Sprintf("%s of %s, %d pages copied", kind, d.ParentID, d.CopiedPages)
}

// SwitchDetail is the hook detail of HookPosSwitch.
type SwitchDetail struct {
	Root uint64
}

func (d SwitchDetail) String() string {
	return fmt.Sprintf("root 0x%x", d.Root)
}

// FrameFreeDetail is the hook detail of HookPosFrameFree, fired for every
// frame an address space gives back.
type FrameFreeDetail struct {
	PAddr uint64
}

func (d FrameFreeDetail) String() string {
	return fmt.Sprintf("0x%x", d.PAddr)
}

// DestroyDetail is the hook detail of HookPosDestroy.
type DestroyDetail struct {
	FreedFrames int
}

func (d DestroyDetail) String() string {
	return fmt.Sprintf("%d frames freed", d.FreedFrames)
}
