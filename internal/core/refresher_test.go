package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/model"
)

func newTestRefresher(t *testing.T, f *fakeUpstream, pairs ...string) (*KeyRefresher, *KeyManager, *BudgetTracker) {
	t.Helper()
	budget := NewBudgetTracker(config.BudgetConfig{})
	km, _ := newTestKeyManager(t, newMemKeySource(pairs...), budget)
	up := NewUpstream(f.config(), nil)
	r := NewKeyRefresher(km, budget, up, config.KeysConfig{}, f.config())
	return r, km, budget
}

func TestKeyRefresher_RefreshUpdatesQuota(t *testing.T) {
	f := newFakeUpstream(t)
	r, km, budget := newTestRefresher(t, f, "PROVIDER_KEY_1", "sk-good-0000000001")

	res, err := r.Refresh(context.Background(), "PROVIDER_KEY_1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if res.Result != model.RefreshOK || res.Quota == nil || res.Quota.RemainingRequests != 499 {
		t.Fatalf("unexpected result: %+v", res)
	}

	infos := km.List()
	if infos[0].Stats.Quota == nil || infos[0].Stats.Quota.LimitTokens != 30000 {
		t.Fatalf("quota not stored on key: %+v", infos[0].Stats)
	}
	if u := budget.KeyUsage(model.KeyID("sk-good-0000000001")); u.Requests != 1 || u.Tokens != 4 {
		t.Fatalf("probe not recorded in budget: %+v", u)
	}
}

func TestKeyRefresher_UnauthorizedMarksInvalid(t *testing.T) {
	f := newFakeUpstream(t)
	f.set("sk-revoked", 401)
	r, km, _ := newTestRefresher(t, f, "PROVIDER_KEY_1", "sk-revoked", "PROVIDER_KEY_2", "sk-good")

	res, err := r.Refresh(context.Background(), "PROVIDER_KEY_1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if res.Result != model.RefreshInvalid || res.HTTPStatus != 401 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for i := 0; i < 3; i++ {
		if k, ok := km.GetNextKey(""); !ok || k.Value != "sk-good" {
			t.Fatalf("revoked key must not be selected, got %+v", k)
		}
	}
}

func TestKeyRefresher_RateLimitedCoolsDown(t *testing.T) {
	f := newFakeUpstream(t)
	f.set("sk-busy", 429)
	r, km, _ := newTestRefresher(t, f, "PROVIDER_KEY_1", "sk-busy")

	res, _ := r.Refresh(context.Background(), "PROVIDER_KEY_1")
	if res.Result != model.RefreshRateLimited {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := km.GetNextKey(""); ok {
		t.Fatal("rate limited key should be cooling down")
	}
}

func TestKeyRefresher_RefreshAll(t *testing.T) {
	f := newFakeUpstream(t)
	f.set("sk-b", 500)
	r, _, _ := newTestRefresher(t, f, "PROVIDER_KEY_A", "sk-a", "PROVIDER_KEY_B", "sk-b", "PROVIDER_KEY_C", "sk-c")

	results := r.RefreshAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	want := []string{model.RefreshOK, model.RefreshError, model.RefreshOK}
	for i, res := range results {
		if res.Result != want[i] {
			t.Fatalf("result %d (%s): got %s want %s", i, res.Name, res.Result, want[i])
		}
	}
}

func TestKeyRefresher_UnknownKey(t *testing.T) {
	f := newFakeUpstream(t)
	r, _, _ := newTestRefresher(t, f)
	if _, err := r.Refresh(context.Background(), "PROVIDER_KEY_X"); !errors.Is(err, model.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRefresher_StartStop(t *testing.T) {
	f := newFakeUpstream(t)
	r, _, _ := newTestRefresher(t, f, "PROVIDER_KEY_1", "sk-loop")

	r.Start() // interval 0: no-op
	r.Stop()

	r.UpdateConfig(1)
	if r.Interval() != time.Second {
		t.Fatalf("unexpected interval: %v", r.Interval())
	}
	deadline := time.Now().Add(3 * time.Second)
	for f.callCount("sk-loop") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	r.Stop()
	if f.callCount("sk-loop") == 0 {
		t.Fatal("background refresh never ran")
	}
}
