package boot

import "testing"

func TestMemRegionTypeString(t *testing.T) {
	if got := MemAvailable.String(); got != "available" {
		t.Fatalf("expected %q; got %q", "available", got)
	}
	if got := MemReserved.String(); got != "reserved" {
		t.Fatalf("expected %q; got %q", "reserved", got)
	}
}

func TestVisitMemRegionsStopsEarly(t *testing.T) {
	defer SetMemRegions(nil)
	SetMemRegions([]MemRegion{
		{PhysAddress: 0, Length: 0x1000, Type: MemReserved},
		{PhysAddress: 0x1000, Length: 0x1000, Type: MemAvailable},
		{PhysAddress: 0x2000, Length: 0x1000, Type: MemAvailable},
	})

	var seen []uint64
	VisitMemRegions(func(r *MemRegion) bool {
		seen = append(seen, r.PhysAddress)
		return r.PhysAddress != 0x1000
	})

	if len(seen) != 2 {
		t.Fatalf("expected iteration to stop after the second region; visited %v", seen)
	}
}

func TestElfSymbolsRoundTrip(t *testing.T) {
	defer SetElfSymbols(nil)

	want := []ElfSymbol{{Name: "kmain", Value: 0x1000, Global: true, IsFunc: true}}
	SetElfSymbols(want)

	got := ElfSymbols()
	if len(got) != 1 || got[0].Name != "kmain" || got[0].Value != 0x1000 {
		t.Fatalf("expected the installed symbol table back unchanged; got %v", got)
	}
}

func TestBootCmdLineRoundTrip(t *testing.T) {
	defer SetBootCmdLine(nil)

	SetBootCmdLine(map[string]string{"loglevel": "debug"})
	if got := GetBootCmdLine()["loglevel"]; got != "debug" {
		t.Fatalf("expected loglevel=debug; got %q", got)
	}
}

func TestInitrdRoundTrip(t *testing.T) {
	defer SetInitrd(nil)

	data := []byte("a tar-style archive")
	SetInitrd(data)
	if got := Initrd(); string(got) != string(data) {
		t.Fatalf("expected initrd bytes to round-trip; got %q", got)
	}
}

func TestKernelRangeRoundTrip(t *testing.T) {
	defer SetKernelRange(0, 0)

	SetKernelRange(0x100000, 0x200000)
	start, end := KernelRange()
	if start != 0x100000 || end != 0x200000 {
		t.Fatalf("expected kernel range [0x100000, 0x200000); got [0x%x, 0x%x)", start, end)
	}
}

func TestVisitElfSections(t *testing.T) {
	defer SetElfSections(nil)

	SetElfSections([]ElfSection{
		{Name: ".text", Flags: ElfSectionExecutable, Address: 0x1000, Size: 0x400},
		{Name: ".data", Flags: ElfSectionWritable, Address: 0x2000, Size: 0x100},
	})

	var names []string
	VisitElfSections(func(name string, flags ElfSectionFlag, address uintptr, size uint64) {
		names = append(names, name)
	})

	if len(names) != 2 || names[0] != ".text" || names[1] != ".data" {
		t.Fatalf("expected both sections visited in order; got %v", names)
	}
}
