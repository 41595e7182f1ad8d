package session

import (
	"fmt"
	"reflect"
	"testing"
)

func TestRing_FIFOEviction(t *testing.T) {
	r := newOutputRing(3)

	r.append("a")
	r.append("b")
	if got := r.tail(0); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("tail = %v, want [a b]", got)
	}

	r.append("c")
	r.append("d") // evicts "a"
	if got := r.tail(0); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("tail after eviction = %v, want [b c d]", got)
	}
	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}
}

func TestRing_NeverExceedsCapacity(t *testing.T) {
	r := newOutputRing(5)
	for i := 0; i < 100; i++ {
		r.append(fmt.Sprintf("chunk-%d", i))
		if r.len() > 5 {
			t.Fatalf("len %d exceeds capacity after %d appends", r.len(), i+1)
		}
	}
	want := []string{"chunk-95", "chunk-96", "chunk-97", "chunk-98", "chunk-99"}
	if got := r.tail(0); !reflect.DeepEqual(got, want) {
		t.Fatalf("tail = %v, want %v", got, want)
	}
}

func TestRing_TailMax(t *testing.T) {
	r := newOutputRing(10)
	for _, c := range []string{"a", "b", "c", "d"} {
		r.append(c)
	}
	if got := r.tail(2); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Fatalf("tail(2) = %v, want [c d]", got)
	}
	if got := r.tail(100); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("tail(100) = %v, want all entries", got)
	}
}

func TestRing_Empty(t *testing.T) {
	r := newOutputRing(4)
	if got := r.tail(0); len(got) != 0 {
		t.Fatalf("tail of empty ring = %v, want empty", got)
	}
}
