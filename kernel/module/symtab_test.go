package module

import "testing"

func resetSymtab() {
	for i := range buckets {
		buckets[i] = nil
	}
}

func TestAddAndGet(t *testing.T) {
	resetSymtab()

	Add("kernel_panic", 0xdeadbeef)
	Add("kernel_printk", 0xcafef00d)

	if got := Get("kernel_panic"); got != 0xdeadbeef {
		t.Fatalf("expected kernel_panic to resolve to 0xdeadbeef; got %x", got)
	}
	if got := Get("kernel_printk"); got != 0xcafef00d {
		t.Fatalf("expected kernel_printk to resolve to 0xcafef00d; got %x", got)
	}
	if got := Get("does_not_exist"); got != 0 {
		t.Fatalf("expected unknown symbol to resolve to 0; got %x", got)
	}
}

func TestAddOverwritesViaChaining(t *testing.T) {
	resetSymtab()

	Add("foo", 1)
	Add("foo", 2)

	// insertLocked always prepends; the most recently added definition wins.
	if got := Get("foo"); got != 2 {
		t.Fatalf("expected most recent definition of foo to win; got %d", got)
	}
}

func TestManySymbolsRemainReachable(t *testing.T) {
	resetSymtab()

	const n = 1000
	for i := 0; i < n; i++ {
		Add(string(rune('A'+i%26))+string(rune('0'+i%10)), uintptr(i))
	}
	for i := 0; i < n; i++ {
		name := string(rune('A'+i%26)) + string(rune('0'+i%10))
		if got := Get(name); got == 0 && i != 0 {
			t.Fatalf("expected %s to resolve to a non-zero value after %d insertions", name, n)
		}
	}
}
