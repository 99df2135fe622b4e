package module

import "testing"

func resetModules() {
	modules = map[string]*Module{}
}

func TestLoadRejectsShortImage(t *testing.T) {
	resetModules()
	if _, err := Load([]byte{0x7f, 'E', 'L'}); err != errMalformed {
		t.Fatalf("expected errMalformed for a truncated image; got %v", err)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	resetModules()
	image := make([]byte, 64)
	image[eiMag0] = 0x00 // not 0x7f
	if _, err := Load(image); err != errMalformed {
		t.Fatalf("expected errMalformed for a bad magic number; got %v", err)
	}
}

func TestLoadRejectsWrongClass(t *testing.T) {
	resetModules()
	image := make([]byte, 64)
	image[eiMag0], image[eiMag1], image[eiMag2], image[eiMag3] = elfMag0, elfMag1, elfMag2, elfMag3
	image[eiClass] = 2 // ELFCLASS64, unsupported
	image[eiData] = elfData2LSB
	if _, err := Load(image); err != errMalformed {
		t.Fatalf("expected errMalformed for a non-32-bit object; got %v", err)
	}
}

func TestUnloadMissingModule(t *testing.T) {
	resetModules()
	if err := Unload("does-not-exist"); err != errNotFound {
		t.Fatalf("expected errNotFound for an unloaded name; got %v", err)
	}
}

func TestExistsReflectsRegistry(t *testing.T) {
	resetModules()
	if Exists("probe") {
		t.Fatal("expected probe to be absent from an empty registry")
	}
	modules["probe"] = &Module{name: "probe", usage: 1}
	if !Exists("probe") {
		t.Fatal("expected probe to be reported present once registered")
	}
}

func TestUnloadBusyModuleIsRefused(t *testing.T) {
	resetModules()
	exited := false
	modules["shared"] = &Module{name: "shared", usage: 2, exitFn: func() { exited = true }}

	if err := Unload("shared"); err != errBusy {
		t.Fatalf("expected errBusy for a module with usage > 1; got %v", err)
	}
	if exited {
		t.Fatal("expected exitFn not to run when Unload is refused")
	}
	if !Exists("shared") {
		t.Fatal("expected a refused Unload to leave the module registered")
	}
}

func TestUnloadRunsExitAndFreesSections(t *testing.T) {
	resetModules()
	exited := false
	modules["solo"] = &Module{name: "solo", usage: 1, exitFn: func() { exited = true }}

	if err := Unload("solo"); err != nil {
		t.Fatalf("unexpected error unloading an unshared module: %v", err)
	}
	if !exited {
		t.Fatal("expected exitFn to run on Unload")
	}
	if Exists("solo") {
		t.Fatal("expected Unload to remove the module from the registry")
	}
}
