package queue

import "testing"

func TestDropOldest_BasicFIFO(t *testing.T) {
	q := NewDropOldest[int](3)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d,%v want %d,true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop() on empty queue should return false")
	}
}

func TestDropOldest_EvictsOldestWhenFull(t *testing.T) {
	q := NewDropOldest[int](3)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Push(4) // should evict 1

	var got []int
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDropOldest_NeverBlocksPastCapacity(t *testing.T) {
	q := NewDropOldest[int](2)
	for i := 0; i < 1000; i++ {
		q.Push(i)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	first, _ := q.Pop()
	second, _ := q.Pop()
	if first != 998 || second != 999 {
		t.Fatalf("got %d,%d want 998,999", first, second)
	}
}
