// Package config holds the engine's process-lifetime settings
// (EngineConfig, SPEC_FULL.md §3.1), backed by the analytics store's
// key/value AppSetting table.
//
// Grounded in the teacher's internal/config/settings.go ConfigManager:
// the same thin getter/setter-over-storage.Storage shape, the same
// generateSecureToken pattern for the control-API bearer token (renamed
// from the teacher's AI-interface token), and the same FactoryReset
// approach of blanking keys rather than deleting rows. The AI-interface
// specific keys (KeyEnableAIInterface, KeyAIMaxConcurrent) have no
// SPEC_FULL.md component to serve and are replaced by the engine-level
// settings §2.1 and §3.1 actually name: bandwidth cap, HTTP timeout,
// control-API port/token, integrity-check toggle, user-agent, and
// per-category max-retries overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"ehcore/internal/errs"
	"ehcore/internal/storage"
)

// ErrInvalidPort is returned by SetControlAPIPort when the requested port
// falls outside [MinControlPort, MaxControlPort].
var ErrInvalidPort = errors.New("config: control API port out of range")

// Keys for AppSettings rows in the analytics store.
const (
	keyGlobalBandwidthBytesPerSec = "global_bandwidth_bytes_per_sec"
	keyHTTPTimeoutMillis          = "http_timeout_millis"
	keyControlAPIPort             = "control_api_port"
	keyControlAPIToken            = "control_api_token"
	keyEnableIntegrityCheck       = "enable_integrity_check"
	keyUserAgent                  = "user_agent"
	keyMaxRetryOverride           = "max_retry_override_json"
)

// Defaults mirror the option-schema bounds SPEC_FULL.md §2.3 adopts from
// the original's config/option_definitions.py: declared defaults with
// min/max validated on the setter side.
const (
	DefaultHTTPTimeout = 30 * time.Second
	DefaultControlPort = 4444
	MinControlPort     = 1
	MaxControlPort     = 65535
	MinBandwidthCap    = 0 // 0 means unlimited
	MinHTTPTimeoutMs   = 1000
	MaxHTTPTimeoutMs   = 300000
	MinRetryOverride   = 1
	MaxRetryOverride   = 20
)

// ConfigManager is a thin typed wrapper over the analytics store's
// key/value settings table.
type ConfigManager struct {
	storage *storage.Storage
}

func NewConfigManager(s *storage.Storage) *ConfigManager {
	return &ConfigManager{storage: s}
}

// GetGlobalBandwidthBytesPerSec returns the process-wide pacing cap, or 0
// (unlimited) if never set.
func (c *ConfigManager) GetGlobalBandwidthBytesPerSec() int {
	valStr, err := c.storage.GetString(keyGlobalBandwidthBytesPerSec)
	if err != nil || valStr == "" {
		return 0
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < MinBandwidthCap {
		return 0
	}
	return val
}

// SetGlobalBandwidthBytesPerSec validates and stores the bandwidth cap.
// Negative values are clamped to 0 (unlimited); there is no declared
// upper bound, matching the original's unbounded-above rate cap.
func (c *ConfigManager) SetGlobalBandwidthBytesPerSec(bytesPerSec int) error {
	if bytesPerSec < MinBandwidthCap {
		bytesPerSec = MinBandwidthCap
	}
	return c.storage.SetString(keyGlobalBandwidthBytesPerSec, strconv.Itoa(bytesPerSec))
}

// GetHTTPTimeout returns the per-request HTTP client timeout.
func (c *ConfigManager) GetHTTPTimeout() time.Duration {
	valStr, err := c.storage.GetString(keyHTTPTimeoutMillis)
	if err != nil || valStr == "" {
		return DefaultHTTPTimeout
	}
	ms, err := strconv.Atoi(valStr)
	if err != nil || ms < MinHTTPTimeoutMs || ms > MaxHTTPTimeoutMs {
		return DefaultHTTPTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// SetHTTPTimeout validates and stores the HTTP client timeout.
func (c *ConfigManager) SetHTTPTimeout(d time.Duration) error {
	ms := int(d / time.Millisecond)
	if ms < MinHTTPTimeoutMs {
		ms = MinHTTPTimeoutMs
	}
	if ms > MaxHTTPTimeoutMs {
		ms = MaxHTTPTimeoutMs
	}
	return c.storage.SetString(keyHTTPTimeoutMillis, strconv.Itoa(ms))
}

// GetControlAPIPort returns the chi control-API listen port.
func (c *ConfigManager) GetControlAPIPort() int {
	valStr, err := c.storage.GetString(keyControlAPIPort)
	if err != nil || valStr == "" {
		return DefaultControlPort
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < MinControlPort || val > MaxControlPort {
		return DefaultControlPort
	}
	return val
}

// SetControlAPIPort validates and stores the control-API port.
func (c *ConfigManager) SetControlAPIPort(port int) error {
	if port < MinControlPort || port > MaxControlPort {
		return ErrInvalidPort
	}
	return c.storage.SetString(keyControlAPIPort, strconv.Itoa(port))
}

// GetControlAPIToken returns the bearer token the control API requires,
// generating and persisting one on first access.
func (c *ConfigManager) GetControlAPIToken() string {
	val, err := c.storage.GetString(keyControlAPIToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(keyControlAPIToken, token)
		return token
	}
	return val
}

// RotateControlAPIToken replaces the current bearer token with a new one
// and returns it.
func (c *ConfigManager) RotateControlAPIToken() string {
	token := generateSecureToken()
	c.storage.SetString(keyControlAPIToken, token)
	return token
}

// GetEnableIntegrityCheck reports whether the image saver should verify a
// post-write hash. Defaults to true.
func (c *ConfigManager) GetEnableIntegrityCheck() bool {
	val, err := c.storage.GetString(keyEnableIntegrityCheck)
	if err != nil || val == "" {
		return true
	}
	return val != "false"
}

// SetEnableIntegrityCheck stores the integrity-check toggle.
func (c *ConfigManager) SetEnableIntegrityCheck(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(keyEnableIntegrityCheck, val)
}

// GetUserAgent returns the custom User-Agent string, or "" if unset
// (caller should fall back to the HTTP client's built-in default).
func (c *ConfigManager) GetUserAgent() string {
	val, err := c.storage.GetString(keyUserAgent)
	if err != nil {
		return ""
	}
	return val
}

// SetUserAgent stores a custom User-Agent string.
func (c *ConfigManager) SetUserAgent(ua string) error {
	return c.storage.SetString(keyUserAgent, ua)
}

// GetMaxRetryOverride returns the per-category max-retries override map
// (SPEC_FULL.md §3.1 EngineConfig.MaxRetryOverride), empty if unset.
func (c *ConfigManager) GetMaxRetryOverride() map[errs.Category]int {
	raw, err := c.storage.GetString(keyMaxRetryOverride)
	if err != nil || raw == "" {
		return map[errs.Category]int{}
	}
	var out map[errs.Category]int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[errs.Category]int{}
	}
	return out
}

// SetMaxRetryOverride validates each entry against the declared
// [MinRetryOverride, MaxRetryOverride] bound and persists the map.
func (c *ConfigManager) SetMaxRetryOverride(overrides map[errs.Category]int) error {
	clamped := make(map[errs.Category]int, len(overrides))
	for cat, n := range overrides {
		if n < MinRetryOverride {
			n = MinRetryOverride
		}
		if n > MaxRetryOverride {
			n = MaxRetryOverride
		}
		clamped[cat] = n
	}
	raw, err := json.Marshal(clamped)
	if err != nil {
		return err
	}
	return c.storage.SetString(keyMaxRetryOverride, string(raw))
}

// settingsKeys lists every AppSetting row ConfigManager owns, used by the
// backup/restore bundle (SPEC_FULL.md §6). FactoryReset keeps its own key
// list and does not read this one.
var settingsKeys = []string{
	keyGlobalBandwidthBytesPerSec,
	keyHTTPTimeoutMillis,
	keyControlAPIPort,
	keyControlAPIToken,
	keyEnableIntegrityCheck,
	keyUserAgent,
	keyMaxRetryOverride,
}

// ExportSettings snapshots every owned key for the backup bundle's
// settings.json.
func (c *ConfigManager) ExportSettings() (map[string]string, error) {
	out := make(map[string]string, len(settingsKeys))
	for _, key := range settingsKeys {
		val, err := c.storage.GetString(key)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// ImportSettings replaces every owned key with values from a previously
// exported snapshot (restore_from_backup); a key absent from values is
// left untouched.
func (c *ConfigManager) ImportSettings(values map[string]string) error {
	for _, key := range settingsKeys {
		val, ok := values[key]
		if !ok {
			continue
		}
		if err := c.storage.SetString(key, val); err != nil {
			return err
		}
	}
	return nil
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "ehcore-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// FactoryReset blanks every configuration key so getters fall back to
// their declared defaults on next read.
func (c *ConfigManager) FactoryReset() error {
	keys := []string{
		keyGlobalBandwidthBytesPerSec,
		keyHTTPTimeoutMillis,
		keyControlAPIPort,
		keyControlAPIToken,
		keyEnableIntegrityCheck,
		keyUserAgent,
		keyMaxRetryOverride,
	}
	for _, key := range keys {
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
