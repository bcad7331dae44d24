package util

import "testing"

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	if rb.Len() != 3 {
		t.Fatalf("len = %d, want 3", rb.Len())
	}
	got := rb.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer[string](4)
	for _, s := range []string{"a", "b", "c"} {
		rb.Push(s)
	}

	t.Run("fewer than stored", func(t *testing.T) {
		got := rb.Last(2)
		if len(got) != 2 || got[0] != "b" || got[1] != "c" {
			t.Fatalf("Last(2) = %v", got)
		}
	})

	t.Run("more than stored", func(t *testing.T) {
		got := rb.Last(10)
		if len(got) != 3 || got[0] != "a" {
			t.Fatalf("Last(10) = %v", got)
		}
	})

	t.Run("after wrap", func(t *testing.T) {
		for _, s := range []string{"d", "e", "f"} {
			rb.Push(s)
		}
		got := rb.Last(4)
		want := []string{"c", "d", "e", "f"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Last(4) = %v, want %v", got, want)
			}
		}
	})
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewRingBuffer[int](2)
	if rb.Len() != 0 {
		t.Fatal("new buffer should be empty")
	}
	if got := rb.Snapshot(); len(got) != 0 {
		t.Fatalf("snapshot of empty = %v", got)
	}
	if got := rb.Last(5); len(got) != 0 {
		t.Fatalf("Last on empty = %v", got)
	}
}
