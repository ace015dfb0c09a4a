package speculate

import (
	"sync"
	"testing"
)

const page = "https://a.test/page"

func TestIsEligible_SelfLinks(t *testing.T) {
	for _, u := range []string{
		"https://a.test/page",
		"https://a.test/page#frag",
		"https://a.test/page?q=1",
		"https://a.test/page#",
	} {
		if IsEligible(u, page, "", nil) {
			t.Errorf("%s: eligible, want rejected", u)
		}
	}
	// Current URL with its own fragment.
	if IsEligible("https://a.test/page", page+"#top", "", nil) {
		t.Error("fragment-stripped self link accepted")
	}
	// A longer path is not a self link.
	if !IsEligible("https://a.test/pages", page, "", nil) {
		t.Error("https://a.test/pages rejected")
	}
}

func TestIsEligible_CrossOrigin(t *testing.T) {
	if IsEligible("https://b.test/x", page, "", nil) {
		t.Error("cross-origin accepted without same-site mode")
	}
	if IsEligible("http://a.test/x", page, "", nil) {
		t.Error("scheme change accepted as same origin")
	}
}

func TestIsEligible_SameOrigin(t *testing.T) {
	for _, u := range []string{
		"https://a.test/other",
		"https://a.test:443/other",
		"https://a.test/page/child",
	} {
		if !IsEligible(u, page, "", nil) {
			t.Errorf("%s: rejected, want eligible", u)
		}
	}
}

func TestIsEligible_Warmed(t *testing.T) {
	w := NewWarmSet()
	w.Add("https://a.test/other")
	if IsEligible("https://a.test/other", page, "", w) {
		t.Error("warmed URL accepted")
	}
	if !IsEligible("https://a.test/else", page, "", w) {
		t.Error("unwarmed URL rejected")
	}
}

func TestIsEligible_SameSite(t *testing.T) {
	cur := "https://www.example.com/"
	site := Site("www.example.com")

	if !IsEligible("https://shop.example.com/cart", cur, site, nil) {
		t.Error("same-site subdomain rejected")
	}
	if IsEligible("http://shop.example.com/cart", cur, site, nil) {
		t.Error("same-site with different scheme accepted")
	}
	if IsEligible("https://example.org/", cur, site, nil) {
		t.Error("other site accepted")
	}
	if IsEligible("https://shop.example.com/cart", cur, "", nil) {
		t.Error("same-site accepted with mode disabled")
	}
}

func TestIsEligible_BadInput(t *testing.T) {
	for _, u := range []string{"mailto:me@a.test", "javascript:void(0)", "::not a url", "/relative"} {
		if IsEligible(u, page, "", nil) {
			t.Errorf("%q accepted", u)
		}
	}
	if IsEligible("https://a.test/x", "not-a-url", "", nil) {
		t.Error("accepted with unparseable current URL")
	}
}

func TestFilter(t *testing.T) {
	f := &Filter{Current: page, Warmed: NewWarmSet()}
	if !f.Eligible("https://a.test/x") {
		t.Fatal("rejected")
	}
	f.Warm("https://a.test/x")
	if f.Eligible("https://a.test/x") {
		t.Fatal("accepted after Warm")
	}

	// A filter without a set never panics.
	(&Filter{Current: page}).Warm("https://a.test/y")
}

func TestWarmSet_Concurrent(t *testing.T) {
	w := NewWarmSet()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Add("https://a.test/x")
			_ = w.Has("https://a.test/x")
		}()
	}
	wg.Wait()
	if w.Len() != 1 || len(w.List()) != 1 {
		t.Fatalf("len: got %d", w.Len())
	}
}
