package config

import (
	"path/filepath"
	"testing"
	"time"

	"ehcore/internal/errs"
	"ehcore/internal/storage"
)

func newTestManager(t *testing.T) *ConfigManager {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewConfigManager(s)
}

func TestDefaultsWhenUnset(t *testing.T) {
	c := newTestManager(t)

	if got := c.GetGlobalBandwidthBytesPerSec(); got != 0 {
		t.Errorf("expected default bandwidth 0, got %d", got)
	}
	if got := c.GetHTTPTimeout(); got != DefaultHTTPTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultHTTPTimeout, got)
	}
	if got := c.GetControlAPIPort(); got != DefaultControlPort {
		t.Errorf("expected default port %d, got %d", DefaultControlPort, got)
	}
	if !c.GetEnableIntegrityCheck() {
		t.Error("expected integrity check enabled by default")
	}
	if got := c.GetUserAgent(); got != "" {
		t.Errorf("expected empty user agent default, got %q", got)
	}
}

func TestControlAPITokenGeneratedAndStable(t *testing.T) {
	c := newTestManager(t)

	token1 := c.GetControlAPIToken()
	if token1 == "" {
		t.Fatal("expected a generated token")
	}
	token2 := c.GetControlAPIToken()
	if token1 != token2 {
		t.Errorf("expected stable token across reads, got %q then %q", token1, token2)
	}

	rotated := c.RotateControlAPIToken()
	if rotated == token1 {
		t.Error("expected RotateControlAPIToken to produce a new value")
	}
	if got := c.GetControlAPIToken(); got != rotated {
		t.Errorf("expected rotated token to persist, got %q want %q", got, rotated)
	}
}

func TestSetControlAPIPortValidation(t *testing.T) {
	c := newTestManager(t)

	if err := c.SetControlAPIPort(0); err != ErrInvalidPort {
		t.Errorf("expected ErrInvalidPort for port 0, got %v", err)
	}
	if err := c.SetControlAPIPort(70000); err != ErrInvalidPort {
		t.Errorf("expected ErrInvalidPort for port 70000, got %v", err)
	}
	if err := c.SetControlAPIPort(8080); err != nil {
		t.Fatalf("expected valid port to be accepted: %v", err)
	}
	if got := c.GetControlAPIPort(); got != 8080 {
		t.Errorf("expected port 8080, got %d", got)
	}
}

func TestHTTPTimeoutClamping(t *testing.T) {
	c := newTestManager(t)

	if err := c.SetHTTPTimeout(1 * time.Millisecond); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if got := c.GetHTTPTimeout(); got != MinHTTPTimeoutMs*time.Millisecond {
		t.Errorf("expected timeout clamped to minimum, got %v", got)
	}

	if err := c.SetHTTPTimeout(time.Hour); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if got := c.GetHTTPTimeout(); got != MaxHTTPTimeoutMs*time.Millisecond {
		t.Errorf("expected timeout clamped to maximum, got %v", got)
	}
}

func TestMaxRetryOverrideRoundTrip(t *testing.T) {
	c := newTestManager(t)

	overrides := map[errs.Category]int{
		errs.CategoryNetTimeout: 50, // above MaxRetryOverride, should clamp
		errs.CategoryFSLocked:   0,  // below MinRetryOverride, should clamp
	}
	if err := c.SetMaxRetryOverride(overrides); err != nil {
		t.Fatalf("set overrides: %v", err)
	}

	got := c.GetMaxRetryOverride()
	if got[errs.CategoryNetTimeout] != MaxRetryOverride {
		t.Errorf("expected clamp to %d, got %d", MaxRetryOverride, got[errs.CategoryNetTimeout])
	}
	if got[errs.CategoryFSLocked] != MinRetryOverride {
		t.Errorf("expected clamp to %d, got %d", MinRetryOverride, got[errs.CategoryFSLocked])
	}
}

func TestFactoryReset(t *testing.T) {
	c := newTestManager(t)

	c.SetControlAPIPort(9999)
	c.SetUserAgent("custom-agent/1.0")
	if err := c.FactoryReset(); err != nil {
		t.Fatalf("factory reset: %v", err)
	}

	if got := c.GetControlAPIPort(); got != DefaultControlPort {
		t.Errorf("expected port reset to default, got %d", got)
	}
	if got := c.GetUserAgent(); got != "" {
		t.Errorf("expected user agent reset to empty, got %q", got)
	}
}
