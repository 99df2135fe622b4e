// Package module implements the kernel's exported-symbol table and the
// loadable-module relocator (C13): the table other cores read to resolve a
// name to an address, and the loader that links a position-independent
// relocatable object file into the running kernel.
package module

import (
	"silicium/kernel"
	"silicium/kernel/mem"
	"silicium/kernel/mem/kvmalloc"
	"silicium/kernel/sync"
	"unsafe"
)

// Module describes one loaded object (C13).
type Module struct {
	name, author, version, description string

	initFn func()
	exitFn func()

	// allocatedSections holds the kvmalloc base of every NOBITS/ALLOC
	// section this module required, so Unload can free them.
	allocatedSections []uintptr

	usage uint32
}

var (
	modules     = map[string]*Module{}
	modulesLock sync.Spinlock

	errMalformed         = &kernel.Error{Module: "module", Message: "malformed object image"}
	errUnresolvedSymbol  = &kernel.Error{Module: "module", Message: "unresolved strong symbol"}
	errUnknownRelocation = &kernel.Error{Module: "module", Message: "unknown relocation type"}
	errExists            = &kernel.Error{Module: "module", Message: "module name already loaded"}
	errNotFound          = &kernel.Error{Module: "module", Message: "module not found"}
	errBusy              = &kernel.Error{Module: "module", Message: "module still in use"}
)

// Name returns the module's declared name.
func (m *Module) Name() string { return m.name }

// Author returns the module's declared author, if any.
func (m *Module) Author() string { return m.author }

// Version returns the module's declared version, if any.
func (m *Module) Version() string { return m.version }

// Description returns the module's declared description, if any.
func (m *Module) Description() string { return m.description }

func readHeader(image []byte) (*elf32Header, *kernel.Error) {
	if len(image) < int(unsafe.Sizeof(elf32Header{})) {
		return nil, errMalformed
	}

	hdr := (*elf32Header)(unsafe.Pointer(&image[0]))
	if hdr.Ident[eiMag0] != elfMag0 || hdr.Ident[eiMag1] != elfMag1 ||
		hdr.Ident[eiMag2] != elfMag2 || hdr.Ident[eiMag3] != elfMag3 {
		return nil, errMalformed
	}
	if hdr.Ident[eiClass] != elfClass32 || hdr.Ident[eiData] != elfData2LSB {
		return nil, errMalformed
	}
	if hdr.Type != etRel {
		return nil, errMalformed
	}
	return hdr, nil
}

func sectionHeaders(image []byte, hdr *elf32Header) []elf32SectionHeader {
	count := int(hdr.Shnum)
	out := make([]elf32SectionHeader, count)
	base := uintptr(hdr.Shoff)
	for i := 0; i < count; i++ {
		sh := (*elf32SectionHeader)(unsafe.Pointer(&image[base+uintptr(i)*uintptr(hdr.Shentsize)]))
		out[i] = *sh
	}
	return out
}

func symbols(image []byte, sh *elf32SectionHeader) []elf32Sym {
	count := int(sh.Size) / int(unsafe.Sizeof(elf32Sym{}))
	out := make([]elf32Sym, count)
	base := uintptr(sh.Offset)
	for i := 0; i < count; i++ {
		s := (*elf32Sym)(unsafe.Pointer(&image[base+uintptr(i)*unsafe.Sizeof(elf32Sym{})]))
		out[i] = *s
	}
	return out
}

func cstr(strtab []byte, off elf32Word) string {
	start := int(off)
	end := start
	for end < len(strtab) && strtab[end] != 0 {
		end++
	}
	return string(strtab[start:end])
}

// Load validates, relocates, and links image into the running kernel.
// Sections of type NOBITS with the ALLOC attribute are backed by freshly
// allocated zeroed memory from the kernel VA allocator (C5); every other
// ALLOC section is assumed already resident at its place in image (the
// caller is expected to have placed the raw object in writable, executable
// memory before calling Load, since this core performs no separate
// code-layout pass for PROGBITS content). Every REL section's entries are
// then resolved and applied, and finally the module's init() is invoked if
// present and the module is registered under its declared name.
func Load(image []byte) (*Module, *kernel.Error) {
	hdr, err := readHeader(image)
	if err != nil {
		return nil, err
	}

	sections := sectionHeaders(image, hdr)
	if int(hdr.Shstrndx) >= len(sections) {
		return nil, errMalformed
	}

	symtabIdx := -1
	for i := range sections {
		if sections[i].Type == shtSymtab {
			symtabIdx = i
			break
		}
	}
	if symtabIdx < 0 || int(sections[symtabIdx].Link) >= len(sections) {
		return nil, errMalformed
	}
	syms := symbols(image, &sections[symtabIdx])
	strtab := sectionBytes(image, &sections[sections[symtabIdx].Link])

	sectionAddr := make([]uintptr, len(sections))
	var allocated []uintptr
	for i := range sections {
		sh := &sections[i]
		switch {
		case sh.Type == shtNobits && sh.Flags&shfAlloc != 0:
			addr, err := kvmalloc.Vmalloc(mem.Size(sh.Size), kvmalloc.FlagMap|kvmalloc.FlagZero)
			if err != nil {
				unwindAllocations(allocated)
				return nil, err
			}
			sectionAddr[i] = addr
			allocated = append(allocated, addr)
		case sh.Flags&shfAlloc != 0:
			sectionAddr[i] = uintptr(unsafe.Pointer(&image[sh.Offset]))
		}
	}

	resolve := func(symIdx uint32) (uintptr, bool) {
		if int(symIdx) >= len(syms) {
			return 0, false
		}
		sym := &syms[symIdx]
		switch sym.Shndx {
		case shnUndef:
			name := cstr(strtab, sym.Name)
			if v := Get(name); v != 0 {
				return v, true
			}
			return 0, sym.bind() == stbWeak
		case shnAbs:
			return uintptr(sym.Value), true
		default:
			if int(sym.Shndx) >= len(sectionAddr) {
				return 0, false
			}
			return sectionAddr[sym.Shndx] + uintptr(sym.Value), true
		}
	}

	for i := range sections {
		sh := &sections[i]
		if sh.Type != shtRel {
			continue
		}
		if int(sh.Info) >= len(sections) {
			unwindAllocations(allocated)
			return nil, errMalformed
		}
		targetAddr := sectionAddr[sh.Info]

		relCount := int(sh.Size) / int(unsafe.Sizeof(elf32Rel{}))
		relBase := uintptr(sh.Offset)
		for r := 0; r < relCount; r++ {
			rel := (*elf32Rel)(unsafe.Pointer(&image[relBase+uintptr(r)*unsafe.Sizeof(elf32Rel{})]))

			symValue, ok := resolve(rel.symIndex())
			if !ok {
				unwindAllocations(allocated)
				return nil, errUnresolvedSymbol
			}

			slotAddr := targetAddr + uintptr(rel.Offset)
			slot := (*uint32)(unsafe.Pointer(slotAddr))
			switch elf32Word(rel.relType()) {
			case rNone:
			case r32:
				*slot += uint32(symValue)
			case rPC32:
				*slot += uint32(symValue) - uint32(slotAddr)
			default:
				unwindAllocations(allocated)
				return nil, errUnknownRelocation
			}
		}
	}

	m := &Module{allocatedSections: allocated, usage: 1}
	for i := range syms {
		name := cstr(strtab, syms[i].Name)
		addr, ok := resolve(uint32(i))
		if !ok {
			continue
		}
		// Only one of the six __module_*__ names reaches the dereference
		// below; an ordinary exported symbol's address is never read as
		// a pointer-sized value, since it need not have one to spare.
		switch name {
		case metaName:
			m.name = cstrAt(*(*uintptr)(unsafe.Pointer(addr)))
		case metaAuthor:
			m.author = cstrAt(*(*uintptr)(unsafe.Pointer(addr)))
		case metaVersion:
			m.version = cstrAt(*(*uintptr)(unsafe.Pointer(addr)))
		case metaDescription:
			m.description = cstrAt(*(*uintptr)(unsafe.Pointer(addr)))
		case metaInit:
			fnAddr := *(*uintptr)(unsafe.Pointer(addr))
			m.initFn = func() { callFn(fnAddr) }
		case metaExit:
			fnAddr := *(*uintptr)(unsafe.Pointer(addr))
			m.exitFn = func() { callFn(fnAddr) }
		}
	}
	if m.name == "" {
		unwindAllocations(allocated)
		return nil, errMalformed
	}

	modulesLock.Acquire()
	if _, exists := modules[m.name]; exists {
		modulesLock.Release()
		unwindAllocations(allocated)
		return nil, errExists
	}
	modules[m.name] = m
	modulesLock.Release()

	if m.initFn != nil {
		m.initFn()
	}
	return m, nil
}

// Unload tears down the named module, refusing if it is shared (usage > 1
// caller references beyond the loader's own). exit() runs before any
// memory is freed.
func Unload(name string) *kernel.Error {
	modulesLock.Acquire()
	m, ok := modules[name]
	if !ok {
		modulesLock.Release()
		return errNotFound
	}
	if m.usage > 1 {
		modulesLock.Release()
		return errBusy
	}
	delete(modules, name)
	modulesLock.Release()

	if m.exitFn != nil {
		m.exitFn()
	}
	unwindAllocations(m.allocatedSections)
	return nil
}

// Exists reports whether a module named name is currently loaded.
func Exists(name string) bool {
	modulesLock.Acquire()
	defer modulesLock.Release()
	_, ok := modules[name]
	return ok
}

func sectionBytes(image []byte, sh *elf32SectionHeader) []byte {
	return image[sh.Offset : uintptr(sh.Offset)+uintptr(sh.Size)]
}

func cstrAt(addr uintptr) string {
	end := addr
	for *(*byte)(unsafe.Pointer(end)) != 0 {
		end++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), end-addr))
}

func unwindAllocations(bases []uintptr) {
	for _, base := range bases {
		kvmalloc.Vmfree(base)
	}
}
