package media

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func candidateEvent(s string) Event {
	return Event{Kind: LocalCandidate, Candidate: webrtc.ICECandidateInit{Candidate: s}}
}

func TestEventQueueFIFOAcrossGrowth(t *testing.T) {
	q := NewEventQueue()

	// interleave pops so the ring wraps before it grows
	for i := 0; i < 10; i++ {
		q.Push(candidateEvent(fmt.Sprintf("warm-%d", i)))
	}
	for i := 0; i < 10; i++ {
		if _, ok := q.Pop(); !ok {
			t.Fatal("Expected an event")
		}
	}

	const n = 200
	for i := 0; i < n; i++ {
		if !q.Push(candidateEvent(fmt.Sprintf("c%d", i))) {
			t.Fatal("Push rejected on open queue")
		}
	}
	if q.Len() != n {
		t.Fatalf("Expected %d queued, got %d", n, q.Len())
	}
	for i := 0; i < n; i++ {
		ev, ok := q.Pop()
		if !ok {
			t.Fatalf("Queue empty at %d", i)
		}
		if want := fmt.Sprintf("c%d", i); ev.Candidate.Candidate != want {
			t.Fatalf("Position %d: expected %s, got %s", i, want, ev.Candidate.Candidate)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Queue should be empty")
	}
}

func TestEventQueueDrain(t *testing.T) {
	q := NewEventQueue()
	if q.Drain() != nil {
		t.Fatal("Drain of empty queue should return nil")
	}
	for i := 0; i < 40; i++ {
		q.Push(candidateEvent(fmt.Sprint(i)))
	}
	evs := q.Drain()
	if len(evs) != 40 {
		t.Fatalf("Expected 40 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Candidate.Candidate != fmt.Sprint(i) {
			t.Fatalf("Position %d out of order: %s", i, ev.Candidate.Candidate)
		}
	}
	if q.Len() != 0 {
		t.Fatal("Queue should be empty after Drain")
	}
}

func TestEventQueueConcurrentProducers(t *testing.T) {
	const (
		producers = 4
		perProd   = 1000
	)
	q := NewEventQueue()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				q.Push(candidateEvent(fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}

	next := make([]int, producers)
	received := 0
	deadline := time.After(10 * time.Second)
	for received < producers*perProd {
		select {
		case <-q.Ready():
		case <-deadline:
			t.Fatalf("Timed out after %d events", received)
		}
		for {
			ev, ok := q.Pop()
			if !ok {
				break
			}
			var p, i int
			if _, err := fmt.Sscanf(ev.Candidate.Candidate, "%d:%d", &p, &i); err != nil {
				t.Fatalf("Bad event %q", ev.Candidate.Candidate)
			}
			if i != next[p] {
				t.Fatalf("Producer %d: expected %d, got %d", p, next[p], i)
			}
			next[p]++
			received++
		}
	}
	wg.Wait()
}

func TestEventQueueClose(t *testing.T) {
	q := NewEventQueue()
	q.Push(Event{Kind: NegotiationNeeded})
	q.Close()

	if q.Len() != 0 {
		t.Fatal("Close should discard queued events")
	}
	if q.Push(Event{Kind: NegotiationNeeded}) {
		t.Fatal("Push after Close should be rejected")
	}
}

func TestEventKindString(t *testing.T) {
	if got := ICEStateChanged.String(); got != "ice-state-changed" {
		t.Fatalf("Unexpected name %q", got)
	}
	if got := EventKind(99).String(); got != "event(99)" {
		t.Fatalf("Unexpected name %q", got)
	}
}
