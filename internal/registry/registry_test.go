package registry

import (
	"math"
	"testing"
)

type fakeSession struct {
	stopped bool
}

func (f *fakeSession) Stop() { f.stopped = true }

func TestAcquireUnique(t *testing.T) {
	r := New()
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		id, ok := r.Acquire()
		if !ok {
			t.Fatalf("acquire %d: not ok", i)
		}
		if seen[id] {
			t.Fatalf("acquire returned duplicate id %d", id)
		}
		seen[id] = true
		r.Insert(id, &fakeSession{})
	}
	if r.Len() != 100 {
		t.Fatalf("len = %d, want 100", r.Len())
	}
}

func TestAcquireResetsCursorOnOverflow(t *testing.T) {
	r := New()
	r.cursor = math.MaxInt64

	id, ok := r.Acquire()
	if !ok {
		t.Fatal("acquire: not ok")
	}
	if id != 0 {
		t.Fatalf("expected cursor overflow to reset to 0, got %d", id)
	}
}

func TestAcquireSkipsOccupiedAfterWrapAround(t *testing.T) {
	r := New()
	r.Insert(0, &fakeSession{})
	r.Insert(1, &fakeSession{})
	r.cursor = math.MaxInt64

	id, ok := r.Acquire()
	if !ok {
		t.Fatal("acquire: not ok")
	}
	if id != 2 {
		t.Fatalf("expected first free id after wrap-around to be 2, got %d", id)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	id, ok := r.Acquire()
	if !ok {
		t.Fatal("acquire: not ok")
	}
	r.Insert(id, &fakeSession{})
	r.Remove(id)
	r.Remove(id)
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
}

func TestStopAllStopsEverySession(t *testing.T) {
	r := New()
	sessions := make([]*fakeSession, 3)
	for i := range sessions {
		id, ok := r.Acquire()
		if !ok {
			t.Fatal("acquire: not ok")
		}
		sessions[i] = &fakeSession{}
		r.Insert(id, sessions[i])
	}

	r.StopAll()
	for i, s := range sessions {
		if !s.stopped {
			t.Fatalf("session %d not stopped", i)
		}
	}
}
