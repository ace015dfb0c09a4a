package status

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRender_Nil(t *testing.T) {
	if b := Render(nil); b != (Badge{}) {
		t.Fatalf("got %+v", b)
	}
}

func TestRender_Plain(t *testing.T) {
	b := Render(&Status{URL: "https://a.test/"})
	if b.Text != "" || b.Color != "" || b.Tooltip != Title {
		t.Fatalf("got %+v", b)
	}
}

func TestRender_Flags(t *testing.T) {
	cases := []struct {
		name  string
		st    Status
		text  string
		color string
		lines []string
	}{
		{"bfcache", Status{RestoredFromBFCache: true, Prerendered: true, HasSpecrules: true},
			"|$|", "#f0f", []string{"Restored from BFCache"}},
		{"unsupported", Status{UnsupportedPage: true, Prerendered: true},
			"X", "#f77", []string{"Unsupported page"}},
		{"prerendered", Status{Prerendered: true},
			"|P|", "#00f", []string{"Prerendered"}},
		{"prerendered+injected", Status{Prerendered: true, HasInjectedSpecrules: true},
			"|P|I|", "#00f", []string{"Prerendered", "Page contains tweaked speculationrules"}},
		{"injected", Status{HasInjectedSpecrules: true, HasSpecrules: true},
			"|I|", "#ff0", []string{"Page contains tweaked speculationrules"}},
		{"native", Status{HasSpecrules: true},
			"|S|", "#0f0", []string{"Page contains speculationrules"}},
		{"prerendered+native", Status{Prerendered: true, HasSpecrules: true},
			"|P|S|", "#0f0", []string{"Prerendered", "Page contains speculationrules"}},
	}
	for _, c := range cases {
		b := Render(&c.st)
		if b.Text != c.text || b.Color != c.color {
			t.Errorf("%s: got %q %q, want %q %q", c.name, b.Text, b.Color, c.text, c.color)
		}
		want := strings.Join(append([]string{Title}, c.lines...), "\n")
		if b.Tooltip != want {
			t.Errorf("%s: tooltip %q, want %q", c.name, b.Tooltip, want)
		}
	}
}

func TestRender_ScoreOverlayWinsText(t *testing.T) {
	b := Render(&Status{RestoredFromBFCache: true, Score: 1.26})
	if b.Text != "+1.3s" {
		t.Errorf("text: got %q", b.Text)
	}
	if b.Color != "#f0f" {
		t.Errorf("color: got %q", b.Color)
	}
	want := Title + "\nRestored from BFCache\nImproved LCP by 1.3 sec"
	if b.Tooltip != want {
		t.Errorf("tooltip: got %q, want %q", b.Tooltip, want)
	}
}

func TestRender_NegativeScore(t *testing.T) {
	b := Render(&Status{Prerendered: true, Score: -0.5})
	if b.Text != "-0.5s" {
		t.Errorf("text: got %q", b.Text)
	}
	if !strings.HasSuffix(b.Tooltip, "Slowed LCP by 0.5 sec") {
		t.Errorf("tooltip: got %q", b.Tooltip)
	}
}

func TestStatus_JSONNames(t *testing.T) {
	data, err := json.Marshal(Status{URL: "https://a.test/", EffectiveLCP: 812.5, HasSpecrules: true})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, k := range []string{`"effectiveLargestContentfulPaint":812.5`, `"hasSpecrules":true`, `"restoredFromBFCache":false`} {
		if !strings.Contains(s, k) {
			t.Errorf("missing %s in %s", k, s)
		}
	}
	if strings.Contains(s, "score") {
		t.Errorf("zero score serialized: %s", s)
	}
}

func TestBoard(t *testing.T) {
	b := NewBoard()
	if _, ok := b.Update(1, nil); ok {
		t.Fatal("nil status stored")
	}
	if _, ok := b.Badge(1); ok {
		t.Fatal("unexpected badge")
	}

	badge, ok := b.Update(1, &Status{Prerendered: true, URL: "https://a.test/"})
	if !ok || badge.Text != "|P|" {
		t.Fatalf("update: %+v %v", badge, ok)
	}
	got, ok := b.Badge(1)
	if !ok || got != badge {
		t.Fatalf("badge: %+v", got)
	}
	st, ok := b.Status(1)
	if !ok || st.URL != "https://a.test/" {
		t.Fatalf("status: %+v", st)
	}

	b.Delete(1)
	if _, ok := b.Status(1); ok {
		t.Fatal("tab survived Delete")
	}
}
