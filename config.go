package keyrouter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Batching bounds.
const (
	MinBatchWait     = time.Second
	MaxBatchWait     = 30 * time.Second
	DefaultBatchWait = 5 * time.Second
	DefaultBatchSize = 10
)

// Config is the top-level router configuration.
type Config struct {
	Router      RouterConfig       `yaml:"router"`
	Batching    BatchingConfig     `yaml:"batching"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Instances   []InstanceConfig   `yaml:"instances"`
	Tenants     []TenantConfig     `yaml:"tenants"`
}

// RouterConfig tunes selection and retries.
type RouterConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	DefaultFamily  string        `yaml:"default_family"`
}

// CredentialConfig configures a credential. Active defaults to true.
type CredentialConfig struct {
	ID             string     `yaml:"id"`
	Scope          OwnerScope `yaml:"scope"`
	TenantID       string     `yaml:"tenant_id"`
	Active         *bool      `yaml:"active"`
	DisplayName    string     `yaml:"display_name"`
	APIKey         string     `yaml:"api_key"`
	AllowedTenants []string   `yaml:"allowed_tenants"`
}

// Credential converts the config entry.
func (cc CredentialConfig) Credential() Credential {
	active := true
	if cc.Active != nil {
		active = *cc.Active
	}
	return Credential{
		ID:             cc.ID,
		Scope:          cc.Scope,
		TenantID:       cc.TenantID,
		Active:         active,
		DisplayName:    cc.DisplayName,
		APIKey:         cc.APIKey,
		AllowedTenants: cc.AllowedTenants,
	}
}

// InstanceConfig configures one (credential, model) pair.
type InstanceConfig struct {
	Credential string `yaml:"credential"`
	Model      string `yaml:"model"`
	Family     string `yaml:"family"`
	Priority   int    `yaml:"priority"`
	Enabled    *bool  `yaml:"enabled"`
	Limits     Limits `yaml:"limits"`
}

// TenantConfig holds per-tenant settings.
type TenantConfig struct {
	ID       string         `yaml:"id"`
	Family   string         `yaml:"family"`
	Batching BatchingConfig `yaml:"batching"`
}

// BatchingConfig holds message batching settings. Unset fields inherit the
// defaults.
type BatchingConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	WaitTime     time.Duration `yaml:"wait_time"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keyrouter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keyrouter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("keyrouter: config: at least one credential is required")
	}

	creds := make(map[string]bool, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("keyrouter: config: credentials[%d]: id is required", i)
		}
		if creds[cred.ID] {
			return fmt.Errorf("keyrouter: config: duplicate credential id %q", cred.ID)
		}
		creds[cred.ID] = true

		switch cred.Scope {
		case ScopeTenant:
			if cred.TenantID == "" {
				return fmt.Errorf("keyrouter: config: credentials[%d] (%s): tenant_id is required for tenant scope", i, cred.ID)
			}
		case ScopeShared:
		default:
			return fmt.Errorf("keyrouter: config: credentials[%d] (%s): invalid scope %q", i, cred.ID, cred.Scope)
		}
	}

	keys := make(map[InstanceKey]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.Model == "" {
			return fmt.Errorf("keyrouter: config: instances[%d]: model is required", i)
		}
		if !creds[inst.Credential] {
			return fmt.Errorf("keyrouter: config: instances[%d] (%s): unknown credential %q", i, inst.Model, inst.Credential)
		}
		k := InstanceKey{CredentialID: inst.Credential, Model: inst.Model}
		if keys[k] {
			return fmt.Errorf("keyrouter: config: duplicate instance %q", k)
		}
		keys[k] = true

		l := inst.Limits
		if l.RPM < 0 || l.RPH < 0 || l.RPD < 0 || l.Total < 0 || l.TotalResetEvery < 0 {
			return fmt.Errorf("keyrouter: config: instances[%d] (%s): limits must not be negative", i, k)
		}
		if l.Unit != "" && l.Unit != QuotaTokens && l.Unit != QuotaRequests {
			return fmt.Errorf("keyrouter: config: instances[%d] (%s): invalid unit %q", i, k, l.Unit)
		}
	}

	if c.Router.MaxAttempts < 0 {
		return fmt.Errorf("keyrouter: config: router.max_attempts must not be negative")
	}

	if err := c.Batching.validate("batching"); err != nil {
		return err
	}
	tenants := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("keyrouter: config: tenants[%d]: id is required", i)
		}
		if tenants[t.ID] {
			return fmt.Errorf("keyrouter: config: duplicate tenant id %q", t.ID)
		}
		tenants[t.ID] = true
		if err := t.Batching.validate(fmt.Sprintf("tenants[%d].batching", i)); err != nil {
			return err
		}
	}

	return nil
}

func (b BatchingConfig) validate(path string) error {
	if b.WaitTime != 0 && (b.WaitTime < MinBatchWait || b.WaitTime > MaxBatchWait) {
		return fmt.Errorf("keyrouter: config: %s.wait_time %s outside [%s, %s]", path, b.WaitTime, MinBatchWait, MaxBatchWait)
	}
	if b.MaxBatchSize < 0 {
		return fmt.Errorf("keyrouter: config: %s.max_batch_size must not be negative", path)
	}
	return nil
}

// Merge returns b with unset fields taken from defaults.
func (b BatchingConfig) Merge(defaults BatchingConfig) BatchingConfig {
	if b.Enabled == nil {
		b.Enabled = defaults.Enabled
	}
	if b.WaitTime == 0 {
		b.WaitTime = defaults.WaitTime
	}
	if b.MaxBatchSize == 0 {
		b.MaxBatchSize = defaults.MaxBatchSize
	}
	return b
}

// Tenant returns the settings of a tenant, if configured.
func (c Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// ModelInstances builds the instances declared in the config.
func (c Config) ModelInstances() []ModelInstance {
	creds := make(map[string]Credential, len(c.Credentials))
	for _, cred := range c.Credentials {
		creds[cred.ID] = cred.Credential()
	}

	out := make([]ModelInstance, 0, len(c.Instances))
	for _, ic := range c.Instances {
		enabled := true
		if ic.Enabled != nil {
			enabled = *ic.Enabled
		}
		out = append(out, ModelInstance{
			Key:        InstanceKey{CredentialID: ic.Credential, Model: ic.Model},
			Credential: creds[ic.Credential],
			Family:     ic.Family,
			Priority:   ic.Priority,
			Enabled:    enabled,
			Limits:     ic.Limits,
		})
	}
	return out
}

// BoolPtr returns a pointer to the given bool.
func BoolPtr(v bool) *bool { return &v }
