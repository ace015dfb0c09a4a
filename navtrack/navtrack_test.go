package navtrack

import (
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newTracked() (*Tracker, *recorder) {
	tr := New()
	rec := &recorder{}
	tr.Observe(rec.handle)
	return tr, rec
}

func TestFirstNavigation_Silent(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(1, "https://a.test/")
	if evs := rec.take(); len(evs) != 0 {
		t.Fatalf("first navigation emitted %v", evs)
	}

	// A second tab's first navigation is silent too, even to a known URL.
	tr.OnNavigation(1, "https://a.test/b")
	rec.take()
	tr.OnNavigation(2, "https://a.test/")
	if evs := rec.take(); len(evs) != 0 {
		t.Fatalf("first navigation in tab 2 emitted %v", evs)
	}
}

func TestPredict_AfterTransition(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/B")
	rec.take()

	tr.OnNavigation(1, "https://a.test/A")
	evs := rec.take()
	if len(evs) != 1 {
		t.Fatalf("events: got %d (%v), want 1", len(evs), evs)
	}
	ev := evs[0]
	if ev.Kind != Predict || ev.TabID != 1 || ev.To.URL != "https://a.test/B" {
		t.Fatalf("event: got %+v", ev)
	}
}

func TestHit(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/B") // A -> B learned
	tr.OnNavigation(1, "https://a.test/A") // predicts B
	rec.take()

	tr.OnNavigation(1, "https://a.test/B")
	evs := rec.take()

	var hit *Event
	for i := range evs {
		if evs[i].Kind == Hit {
			hit = &evs[i]
		}
	}
	if hit == nil {
		t.Fatalf("no hit event in %v", evs)
	}
	if hit.From != "https://a.test/A" || hit.To.URL != "https://a.test/B" {
		t.Fatalf("hit: got %+v", *hit)
	}
}

func TestOverwrite_RecencyBiased(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/B")
	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/C") // A -> C replaces A -> B
	rec.take()

	r, ok := tr.Lookup("https://a.test/A")
	if !ok || r.NextURL != "https://a.test/C" {
		t.Fatalf("record: got %+v ok=%v", r, ok)
	}
}

func TestFragmentStripped(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(1, "https://a.test/A#top")
	tr.OnNavigation(1, "https://a.test/B#section")
	tr.OnNavigation(1, "https://a.test/A")
	evs := rec.take()

	if len(evs) != 1 || evs[0].To.URL != "https://a.test/B" {
		t.Fatalf("events: got %v", evs)
	}
}

func TestSelectorClick(t *testing.T) {
	tr, rec := newTracked()

	tr.OnSelectorClick("https://a.test/A#x", "nav .next", "https://a.test/page2")

	tr.OnNavigation(1, "https://a.test/start")
	tr.OnNavigation(1, "https://a.test/A")
	evs := rec.take()
	if len(evs) != 1 {
		t.Fatalf("events: got %v", evs)
	}
	if evs[0].To.Selector != "nav .next" || evs[0].To.URL != "" {
		t.Fatalf("target: got %+v", evs[0].To)
	}

	// URL and selector slots coexist.
	tr.OnNavigation(1, "https://a.test/B")
	tr.OnNavigation(1, "https://a.test/A")
	evs = rec.take()
	if len(evs) != 1 {
		t.Fatalf("events: got %v", evs)
	}
	if evs[0].To.URL != "https://a.test/B" || evs[0].To.Selector != "nav .next" {
		t.Fatalf("both slots: got %+v", evs[0].To)
	}
}

func TestOnRemoved(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/B")
	tr.OnRemoved(1)
	if _, ok := tr.LastURL(1); ok {
		t.Fatal("tab state survived removal")
	}

	tr.OnNavigation(1, "https://a.test/A")
	if evs := rec.take(); len(evs) != 0 {
		t.Fatalf("navigation after removal emitted %v", evs)
	}
	if _, ok := tr.Lookup("https://a.test/A"); !ok {
		t.Fatal("transition forgotten on tab removal")
	}
}

func TestUnknownAndEmpty(t *testing.T) {
	tr, rec := newTracked()

	tr.OnNavigation(9, "")
	if _, ok := tr.LastURL(9); ok {
		t.Fatal("empty URL recorded")
	}
	if _, ok := tr.Lookup("https://nowhere.test/"); ok {
		t.Fatal("unexpected record")
	}
	tr.OnRemoved(42)
	if evs := rec.take(); len(evs) != 0 {
		t.Fatalf("events: %v", evs)
	}
}

func TestNilObserver(t *testing.T) {
	tr := New()
	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/B")
	tr.OnNavigation(1, "https://a.test/A")
	if tr.Len() != 2 {
		t.Fatalf("records: got %d, want 2", tr.Len())
	}
}

func TestObserve_Replaces(t *testing.T) {
	tr := New()
	first, second := &recorder{}, &recorder{}
	tr.Observe(first.handle)
	tr.Observe(second.handle)

	tr.OnNavigation(1, "https://a.test/A")
	tr.OnNavigation(1, "https://a.test/B")
	tr.OnNavigation(1, "https://a.test/A")

	if len(first.take()) != 0 {
		t.Fatal("replaced observer still called")
	}
	if len(second.take()) != 1 {
		t.Fatal("current observer not called")
	}
}

func TestConcurrentTabs(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for tab := 0; tab < 8; tab++ {
		wg.Add(1)
		go func(tab int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.OnNavigation(tab, "https://a.test/A")
				tr.OnNavigation(tab, "https://a.test/B")
			}
		}(tab)
	}
	wg.Wait()

	r, ok := tr.Lookup("https://a.test/A")
	if !ok || r.NextURL != "https://a.test/B" {
		t.Fatalf("record: %+v ok=%v", r, ok)
	}
}
