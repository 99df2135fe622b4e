package vmm

import (
	"silicium/kernel"
	"silicium/kernel/mem/pmm"
)

// Access is a subset of {read, write, execute, user}, the vocabulary the
// component design's contract uses for map/set_rights/rights instead of
// the architecture's raw page-table-entry flag bits.
type Access uint8

const (
	// AccessRead is implied by every present mapping; retained for
	// symmetry with the contract's vocabulary.
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
	AccessUser
)

// pteFlags translates an Access/KernelFlags pair into the architecture's
// PageTableEntryFlag bits, always setting FlagPresent.
func (a Access) pteFlags(kf KernelFlags) PageTableEntryFlag {
	flags := FlagPresent
	if a&AccessWrite != 0 {
		flags |= FlagRW
	}
	if a&AccessUser != 0 {
		flags |= FlagUserAccessible
	}
	if a&AccessExecute == 0 {
		flags |= FlagNoExecute
	}
	if kf&KernelFlagGlobal != 0 {
		flags |= FlagGlobal
	}
	if kf&KernelFlagPresent == 0 {
		flags &^= FlagPresent
	}
	return flags
}

func accessFromPTE(flags PageTableEntryFlag) Access {
	var a Access
	a |= AccessRead
	if flags&FlagRW != 0 {
		a |= AccessWrite
	}
	if flags&FlagUserAccessible != 0 {
		a |= AccessUser
	}
	if flags&FlagNoExecute == 0 {
		a |= AccessExecute
	}
	return a
}

// KernelFlags is a subset of {present, global}, orthogonal to Access.
type KernelFlags uint8

const (
	KernelFlagPresent KernelFlags = 1 << iota
	KernelFlagGlobal
)

func kernelFlagsFromPTE(flags PageTableEntryFlag) KernelFlags {
	var kf KernelFlags
	if flags&FlagPresent != 0 {
		kf |= KernelFlagPresent
	}
	if flags&FlagGlobal != 0 {
		kf |= KernelFlagGlobal
	}
	return kf
}

var (
	errAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
)

// inMirrorWindow reports whether va falls inside the self-map/temporary
// mapping window, which map/unmap must reject to avoid the mapper
// destroying its own page tables mid-walk.
func inMirrorWindow(va uintptr) bool {
	return va >= tempMappingAddr
}

// MapAccess establishes a mapping for va using the access/kernel-flag
// vocabulary the component contract specifies, on top of the lower-level
// Map primitive. Returns errAlreadyMapped (a recoverable condition, not a
// panic) if va is already backed by a present mapping, and rejects
// addresses inside the self-map mirroring window.
func MapAccess(va uintptr, frame uintptr, access Access, kf KernelFlags) *kernel.Error {
	if inMirrorWindow(va) {
		return ErrInvalidMapping
	}

	page := PageFromAddress(va)
	if _, err := translateFn(va); err == nil {
		return errAlreadyMapped
	}

	return Map(page, pmm.FrameFromAddress(frame), access.pteFlags(kf))
}

// UnmapVA removes the mapping at va and returns the physical address it
// pointed to. Returns ErrInvalidMapping if va was not mapped. Rejects
// addresses inside the self-map mirroring window.
func UnmapVA(va uintptr) (uintptr, *kernel.Error) {
	if inMirrorWindow(va) {
		return 0, ErrInvalidMapping
	}

	pa, err := translateFn(va)
	if err != nil {
		return 0, err
	}

	if err := Unmap(PageFromAddress(va)); err != nil {
		return 0, err
	}
	return pa, nil
}

// SetRights updates the read/write/execute/user bits of the mapping at va,
// leaving the present/global bits untouched.
func SetRights(va uintptr, access Access) *kernel.Error {
	pte, err := pteForAddress(va)
	if err != nil {
		return err
	}
	kf := kernelFlagsFromPTE(PageTableEntryFlag(*pte))
	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(access.pteFlags(kf))
	flushTLBEntryFn(va)
	return nil
}

// SetKernelFlags updates the present/global bits of the mapping at va,
// leaving the access bits untouched.
func SetKernelFlags(va uintptr, kf KernelFlags) *kernel.Error {
	pte, err := pteForAddress(va)
	if err != nil {
		return err
	}
	access := accessFromPTE(PageTableEntryFlag(*pte))
	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(access.pteFlags(kf))
	flushTLBEntryFn(va)
	return nil
}

// Rights returns the access bits currently in effect at va.
func Rights(va uintptr) (Access, *kernel.Error) {
	pte, err := pteForAddress(va)
	if err != nil {
		return 0, err
	}
	return accessFromPTE(PageTableEntryFlag(*pte)), nil
}

// KernelFlagsAt returns the present/global bits currently in effect at va.
func KernelFlagsAt(va uintptr) (KernelFlags, *kernel.Error) {
	pte, err := pteForAddress(va)
	if err != nil {
		return 0, err
	}
	return kernelFlagsFromPTE(PageTableEntryFlag(*pte)), nil
}
