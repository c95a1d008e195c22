package services

import (
	"testing"
	"time"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

func intp(n int) *int        { return &n }
func int64p(n int64) *int64  { return &n }
func boolp(b bool) *bool     { return &b }
func strpv(s string) *string { return &s }

func TestConfigReloadOverlaysDefaults(t *testing.T) {
	store := newMemoryStore()
	custom := testConfig(shared.ModuleAuth, 99, shared.ModeMonitor)
	store.configs[shared.ModuleAuth] = custom

	svc := readyConfigService(store)

	// Persisted row wins over the built-in default.
	got := svc.Get(shared.ModuleAuth)
	if got == nil || got.MaxRequests != 99 || got.Mode != shared.ModeMonitor {
		t.Fatalf("auth config = %+v", got)
	}

	// Modules with no persisted row fall back to built-ins.
	if svc.Get(shared.ModuleChat) == nil {
		t.Fatal("built-in chat default should be present")
	}
	if svc.Get("nonexistent") != nil {
		t.Fatal("unknown module has no config until EnsureFallback")
	}
}

func TestConfigCacheTTL(t *testing.T) {
	store := newMemoryStore()
	svc := readyConfigService(store)

	loaded := svc.lastLoaded

	// Within the TTL nothing reloads.
	svc.EnsureFresh(false)
	if !svc.lastLoaded.Equal(loaded) {
		t.Fatal("fresh cache must not reload")
	}

	// Forcing always reloads.
	svc.EnsureFresh(true)
	if svc.lastLoaded.Equal(loaded) {
		t.Fatal("forced refresh must reload")
	}

	// A stale cache reloads on demand.
	svc.mu.Lock()
	svc.lastLoaded = time.Now().Add(-time.Minute)
	svc.mu.Unlock()
	svc.EnsureFresh(false)
	if time.Since(svc.lastLoaded) > time.Second {
		t.Fatal("stale cache should have reloaded")
	}
}

func TestConfigReloadKeepsCacheOnFailure(t *testing.T) {
	store := newMemoryStore()
	store.configs["chat"] = testConfig("chat", 42, shared.ModeEnforce)
	svc := readyConfigService(store)

	if got := svc.Get("chat"); got == nil || got.MaxRequests != 42 {
		t.Fatalf("chat config = %+v", got)
	}

	// A failing load keeps serving the previous cache.
	store.failLoad = true
	svc.EnsureFresh(true)
	if got := svc.Get("chat"); got == nil || got.MaxRequests != 42 {
		t.Fatalf("chat config after failed reload = %+v", got)
	}
}

func TestEnsureFallbackPersistsInactiveMonitor(t *testing.T) {
	store := newMemoryStore()
	svc := readyConfigService(store)

	fb := svc.EnsureFallback("webhooks")
	if fb == nil {
		t.Fatal("fallback must never be nil")
	}
	if fb.IsActive || fb.Mode != shared.ModeMonitor || !fb.IsFallback {
		t.Fatalf("fallback = %+v", fb)
	}

	persisted := store.configs["webhooks"]
	if persisted == nil || !persisted.IsFallback {
		t.Fatal("fallback must be persisted")
	}

	// Second call returns the cached instance without another upsert.
	again := svc.EnsureFallback("webhooks")
	if again.Module != "webhooks" {
		t.Fatalf("module = %q", again.Module)
	}
}

func TestConfigUpdateAppliesPartialFields(t *testing.T) {
	store := newMemoryStore()
	store.configs["chat"] = testConfig("chat", 10, shared.ModeEnforce)
	svc := readyConfigService(store)

	err := svc.Update("chat", dto.UpdateConfigRequest{
		MaxRequests: intp(25),
		Mode:        strpv(shared.ModeMonitor),
	})
	if err != nil {
		t.Fatal(err)
	}

	got := svc.Get("chat")
	if got.MaxRequests != 25 {
		t.Fatalf("max = %d, want 25", got.MaxRequests)
	}
	if got.Mode != shared.ModeMonitor {
		t.Fatalf("mode = %q", got.Mode)
	}
	// Untouched fields survive.
	if got.WindowMs != 60000 {
		t.Fatalf("window = %d, want 60000", got.WindowMs)
	}
}

func TestConfigUpdateClearsFallbackFlag(t *testing.T) {
	store := newMemoryStore()
	svc := readyConfigService(store)
	svc.EnsureFallback("webhooks")

	err := svc.Update("webhooks", dto.UpdateConfigRequest{
		MaxRequests: intp(50),
		IsActive:    boolp(true),
	})
	if err != nil {
		t.Fatal(err)
	}

	got := svc.Get("webhooks")
	if got.IsFallback {
		t.Fatal("an operator-edited policy is no longer a fallback")
	}
	if !got.IsActive || got.MaxRequests != 50 {
		t.Fatalf("updated config = %+v", got)
	}
}

func TestConfigUpdateRejectsInvalid(t *testing.T) {
	store := newMemoryStore()
	store.configs["chat"] = testConfig("chat", 10, shared.ModeEnforce)
	svc := readyConfigService(store)

	if err := svc.Update("", dto.UpdateConfigRequest{}); err == nil {
		t.Fatal("empty module must be rejected")
	}
	if err := svc.Update("chat", dto.UpdateConfigRequest{MaxRequests: intp(-1)}); err == nil {
		t.Fatal("negative max_requests must be rejected")
	}
	if err := svc.Update("chat", dto.UpdateConfigRequest{Mode: strpv("panic")}); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
	if err := svc.Update("chat", dto.UpdateConfigRequest{WindowMs: int64p(0)}); err == nil {
		t.Fatal("zero window must be rejected")
	}

	// Nothing was persisted by the failed updates.
	if store.configs["chat"].MaxRequests != 10 {
		t.Fatal("failed update must not persist")
	}
}
