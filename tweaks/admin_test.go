package tweaks

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/prerender/audit"
	"github.com/hazyhaar/prerender/dbopen"
	"github.com/hazyhaar/prerender/settings"
)

func auditedFixture(t *testing.T) (*fixture, *audit.Log) {
	t.Helper()
	log := audit.New(dbopen.OpenMemory(t))
	if err := log.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return newFixture(t, WithAudit(log)), log
}

func TestAudit_AdminChanges(t *testing.T) {
	f, log := auditedFixture(t)
	ctx := context.Background()

	if err := f.svc.SetBlocked(ctx, "https://a.test", true); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetBlocked(ctx, "https://a.test", false); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetSetting(ctx, settings.MaxRulesByAnchors, "zero"); !errors.Is(err, settings.ErrInvalidValue) {
		t.Fatalf("invalid setting: got %v", err)
	}
	if _, err := f.svc.Deliver(ctx, 0, MsgClearOriginMetrics, Message{Origin: "https://b.test"}); err != nil {
		t.Fatal(err)
	}

	entries, err := log.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}

	byAction := map[string]audit.Entry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}
	if e := byAction[ActionSetSetting]; e.Status != audit.StatusError || e.Error == "" {
		t.Errorf("failed setting: %+v", e)
	}
	if e := byAction[ActionAllow]; e.Status != audit.StatusSuccess || e.Parameters != `{"origin":"https://a.test"}` {
		t.Errorf("allow: %+v", e)
	}
	if e := byAction[ActionClearMetrics]; e.RequestID == "" || e.Parameters != `{"origin":"https://b.test"}` {
		t.Errorf("message clear should carry the delivery request id: %+v", e)
	}
}

func TestAudit_APIRoute(t *testing.T) {
	f, _ := auditedFixture(t)
	srv := httptest.NewServer(f.svc.Routes())
	defer srv.Close()

	if code, _ := do(t, srv, "DELETE", "/api/metrics", "", nil); code != 200 {
		t.Fatalf("clear: %d", code)
	}
	code, out := do(t, srv, "GET", "/api/audit?action="+ActionClearMetrics, "", nil)
	if code != 200 {
		t.Fatalf("audit: %d", code)
	}
	list, _ := out["entries"].([]any)
	if len(list) != 1 {
		t.Fatalf("entries: %v", out)
	}
	e, _ := list[0].(map[string]any)
	if e["transport"] != "http" || e["parameters"] != `{"origin":""}` {
		t.Errorf("entry: %v", e)
	}
}

func TestAudit_Disabled(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ClearMetrics(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	entries, err := f.svc.AuditTrail(context.Background(), audit.Filter{})
	if err != nil || entries != nil {
		t.Errorf("without audit: %v, %v", entries, err)
	}
}
