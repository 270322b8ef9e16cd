package ringbuffer

import "testing"

func TestDropAccounting(t *testing.T) {
	r := New[int](2)
	for i := 0; i < 10; i++ {
		r.Push(i)
	}
	stats := r.Stats()
	if stats.Produced != 10 {
		t.Fatalf("produced = %d, want 10", stats.Produced)
	}

	var consumed uint64
	for {
		if _, ok := r.TryPop(); ok {
			consumed++
			continue
		}
		break
	}

	stats = r.Stats()
	if stats.Produced != stats.Dropped+stats.Consumed {
		t.Fatalf("produced(%d) != dropped(%d) + consumed(%d)", stats.Produced, stats.Dropped, stats.Consumed)
	}
}

func TestOverflowKeepsNewest(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3) // should drop 1

	first, ok := r.TryPop()
	if !ok || first != 2 {
		t.Fatalf("expected 2, got %v ok=%v", first, ok)
	}
	second, ok := r.TryPop()
	if !ok || second != 3 {
		t.Fatalf("expected 3, got %v ok=%v", second, ok)
	}
}

func TestPopEmpty(t *testing.T) {
	r := New[int](2)
	if _, ok := r.TryPop(); ok {
		t.Fatal("expected empty ring to return ok=false")
	}
}
