package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	if rb.Len() != 0 {
		t.Fatalf("fresh buffer has %d elements", rb.Len())
	}

	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	if rb.Len() != 3 {
		t.Fatalf("len %d, want 3", rb.Len())
	}

	got := rb.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot %v, want %v", got, want)
		}
	}
}

func TestRingBufferPartialFill(t *testing.T) {
	rb := NewRingBuffer[string](4)
	rb.Push("a")
	rb.Push("b")

	got := rb.Snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("snapshot %v", got)
	}
}

func TestValidatePeerID(t *testing.T) {
	if _, err := ValidatePeerID("  alice  "); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"", "a b", "a/b", `a\b`, "a..b"} {
		if _, err := ValidatePeerID(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}
