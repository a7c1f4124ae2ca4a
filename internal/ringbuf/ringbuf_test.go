package ringbuf

import (
	"sync"
	"testing"
	"time"
)

type item struct {
	kind string
	seq  int
}

func TestRing_BasicPushPop(t *testing.T) {
	r := New[item](4)

	if !r.Push(item{"a", 1}) {
		t.Fatal("push 1 should succeed")
	}
	if !r.Push(item{"b", 2}) {
		t.Fatal("push 2 should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.seq != 1 {
		t.Fatalf("expected 1, got %v ok=%v", got.seq, ok)
	}
	got, ok = r.Pop()
	if !ok || got.seq != 2 {
		t.Fatalf("expected 2, got %v ok=%v", got.seq, ok)
	}

	if _, ok = r.Pop(); ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)

	if r.Push(3) {
		t.Fatal("push to full ring should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](3)

	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			if !r.Push(round*10 + i) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 3; i++ {
			v, ok := r.Pop()
			if !ok || v != round*10+i {
				t.Fatalf("round %d pop %d: expected %d, got %d ok=%v", round, i, round*10+i, v, ok)
			}
		}
	}
}

func TestRing_PushEvict_SkipsProtected(t *testing.T) {
	r := New[item](3)
	r.Push(item{"hb", 1})
	r.Push(item{"msg", 2})
	r.Push(item{"msg", 3})

	notHeartbeat := func(it item) bool { return it.kind != "hb" }
	ev, ok := r.PushEvict(item{"msg", 4}, notHeartbeat)
	if !ok || ev.seq != 2 {
		t.Fatalf("expected eviction of seq 2, got %+v ok=%v", ev, ok)
	}

	got := r.Drain()
	want := []int{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("drain: got %v", got)
	}
	for i, w := range want {
		if got[i].seq != w {
			t.Errorf("[%d]: got %d, want %d", i, got[i].seq, w)
		}
	}
}

func TestRing_SnapshotKeepsContents(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.PushEvict(i, nil)
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0] != 3 || snap[2] != 5 {
		t.Errorf("snapshot: got %v, want [3 4 5]", snap)
	}
	if r.Len() != 3 {
		t.Errorf("snapshot must not consume, len=%d", r.Len())
	}
}

func TestRing_PushEvict_FallsBackToOldest(t *testing.T) {
	r := New[item](2)
	r.Push(item{"hb", 1})
	r.Push(item{"hb", 2})

	ev, ok := r.PushEvict(item{"msg", 3}, func(it item) bool { return it.kind != "hb" })
	if !ok || ev.seq != 1 {
		t.Fatalf("expected oldest evicted, got %+v ok=%v", ev, ok)
	}
	if r.Len() != 2 {
		t.Errorf("len: got %d, want 2", r.Len())
	}
}

func TestRing_PushEvict_NoEvictionWhenRoom(t *testing.T) {
	r := New[int](2)
	if _, ok := r.PushEvict(1, nil); ok {
		t.Error("no eviction expected with free capacity")
	}
	if r.Overflow() != 0 {
		t.Errorf("overflow: got %d", r.Overflow())
	}
}

func TestRing_ConcurrentProducers(t *testing.T) {
	const producers, per = 4, 5000
	r := New[int](64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				for !r.Push(i) {
					time.Sleep(time.Microsecond)
				}
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	for received < producers*per {
		if _, ok := r.Pop(); ok {
			received++
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("timed out after %d items", received)
		default:
		}
	}
	<-done
	if r.Len() != 0 {
		t.Errorf("expected empty ring, got %d", r.Len())
	}
}
