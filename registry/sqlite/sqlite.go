// Package sqlite provides a GORM/SQLite-backed Registry. Provider API keys
// are stored as fernet tokens.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
	"github.com/ineyio/keyrouter/registry"
)

const fernetKeySetting = "fernet_key"

// Store is a Registry persisted in SQLite.
type Store struct {
	db         *gorm.DB
	key        *fernet.Key
	visibility keyrouter.VisibilityPolicy
	defaults   keyrouter.BatchingConfig
	family     string
	logOutput  io.Writer
}

var (
	_ keyrouter.Registry           = (*Store)(nil)
	_ keyrouter.Admin              = (*Store)(nil)
	_ keyrouter.CredentialDisabler = (*Store)(nil)
	_ batch.SettingsSource         = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithFernetKey sets the key used to encrypt API keys. Without it a key is
// generated on first open and kept in the settings table.
func WithFernetKey(k *fernet.Key) Option {
	return func(s *Store) { s.key = k }
}

// WithVisibility replaces registry.DefaultVisibility.
func WithVisibility(v keyrouter.VisibilityPolicy) Option {
	return func(s *Store) { s.visibility = v }
}

// WithDefaults sets the batching defaults and the fallback family for
// tenants that do not override them.
func WithDefaults(b keyrouter.BatchingConfig, family string) Option {
	return func(s *Store) {
		s.defaults = b
		s.family = family
	}
}

// WithLogOutput sets where GORM writes warnings and errors (default
// os.Stderr).
func WithLogOutput(w io.Writer) Option {
	return func(s *Store) { s.logOutput = w }
}

// Open opens (and migrates) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("keyrouter/sqlite: create db directory: %w", err)
		}
	}

	s := &Store{
		visibility: registry.DefaultVisibility,
		logOutput:  os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(log.New(s.logOutput, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(
		&credentialRecord{},
		&instanceRecord{},
		&tenantRecord{},
		&setting{},
	); err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: auto-migrate: %w", err)
	}

	s.db = db

	if s.key == nil {
		k, err := s.loadOrCreateKey()
		if err != nil {
			return nil, err
		}
		s.key = k
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) loadOrCreateKey() (*fernet.Key, error) {
	var st setting
	res := s.db.Where("name = ?", fernetKeySetting).Limit(1).Find(&st)
	if res.Error != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: load fernet key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("keyrouter/sqlite: generate fernet key: %w", err)
		}
		if err := s.db.Create(&setting{Name: fernetKeySetting, Value: k.Encode()}).Error; err != nil {
			return nil, fmt.Errorf("keyrouter/sqlite: save fernet key: %w", err)
		}
		return &k, nil
	}

	k, err := fernet.DecodeKey(st.Value)
	if err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: decode fernet key: %w", err)
	}
	return k, nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("keyrouter/sqlite: encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("keyrouter/sqlite: decrypt: invalid token")
	}
	return string(msg), nil
}

// Columns written by admin upserts. Seed leaves out the runtime state
// (credential active flag, instance kill-switch and priority), so a restart
// keeps what DisableCredential and the admin API changed.
var (
	credentialColumns     = []string{"scope", "tenant_id", "active", "disabled_reason", "display_name", "api_key", "allowed_tenants", "updated_at"}
	seedCredentialColumns = []string{"scope", "tenant_id", "display_name", "api_key", "allowed_tenants", "updated_at"}
	instanceColumns       = []string{"family", "priority", "enabled", "rpm", "rph", "rpd", "total", "total_reset_every", "unit", "updated_at"}
	seedInstanceColumns   = []string{"family", "rpm", "rph", "rpd", "total", "total_reset_every", "unit", "updated_at"}
)

// Seed writes every credential, instance and tenant of cfg. New rows are
// inserted as configured. Existing rows take the configured keys, limits
// and tenant settings but keep their active, enabled and priority values.
func (s *Store) Seed(ctx context.Context, cfg keyrouter.Config) error {
	for _, cc := range cfg.Credentials {
		if err := s.upsertCredential(ctx, cc.Credential(), seedCredentialColumns); err != nil {
			return err
		}
	}
	for _, inst := range cfg.ModelInstances() {
		if err := s.upsertInstance(ctx, inst, seedInstanceColumns); err != nil {
			return err
		}
	}
	for _, t := range cfg.Tenants {
		if err := s.UpsertTenant(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) credentials(ctx context.Context, activeOnly bool) (map[string]keyrouter.Credential, error) {
	var recs []credentialRecord
	q := s.db.WithContext(ctx)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: list credentials: %w", err)
	}

	out := make(map[string]keyrouter.Credential, len(recs))
	for _, r := range recs {
		apiKey, err := s.decrypt(r.APIKey)
		if err != nil {
			return nil, fmt.Errorf("keyrouter/sqlite: credential %s: %w", r.ID, err)
		}
		c := keyrouter.Credential{
			ID:          r.ID,
			Scope:       keyrouter.OwnerScope(r.Scope),
			TenantID:    r.TenantID,
			Active:      r.Active,
			DisplayName: r.DisplayName,
			APIKey:      apiKey,
		}
		if r.AllowedTenants != "" {
			c.AllowedTenants = strings.Split(r.AllowedTenants, ",")
		}
		out[r.ID] = c
	}
	return out, nil
}

func toInstance(r instanceRecord, cred keyrouter.Credential) keyrouter.ModelInstance {
	return keyrouter.ModelInstance{
		Key:        keyrouter.InstanceKey{CredentialID: r.CredentialID, Model: r.Model},
		Credential: cred,
		Family:     r.Family,
		Priority:   r.Priority,
		Enabled:    r.Enabled,
		Limits: keyrouter.Limits{
			RPM:             r.RPM,
			RPH:             r.RPH,
			RPD:             r.RPD,
			Total:           r.Total,
			TotalResetEvery: r.TotalResetEvery,
			Unit:            keyrouter.QuotaUnit(r.Unit),
		},
	}
}

// ListCandidates returns the enabled instances of family on active
// credentials visible to tenantID.
func (s *Store) ListCandidates(ctx context.Context, tenantID, family string) ([]keyrouter.ModelInstance, error) {
	creds, err := s.credentials(ctx, true)
	if err != nil {
		return nil, err
	}

	var recs []instanceRecord
	err = s.db.WithContext(ctx).
		Where("enabled = ? AND (family = ? OR model = ?)", true, family, family).
		Order("credential_id, model").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: list candidates: %w", err)
	}

	var out []keyrouter.ModelInstance
	for _, r := range recs {
		cred, ok := creds[r.CredentialID]
		if !ok || !s.visibility.Visible(tenantID, cred) {
			continue
		}
		inst := toInstance(r, cred)
		if keyrouter.MatchesFamily(inst, family) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// ListInstances returns every instance.
func (s *Store) ListInstances(ctx context.Context) ([]keyrouter.ModelInstance, error) {
	creds, err := s.credentials(ctx, false)
	if err != nil {
		return nil, err
	}

	var recs []instanceRecord
	if err := s.db.WithContext(ctx).Order("credential_id, model").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("keyrouter/sqlite: list instances: %w", err)
	}

	out := make([]keyrouter.ModelInstance, 0, len(recs))
	for _, r := range recs {
		out = append(out, toInstance(r, creds[r.CredentialID]))
	}
	return out, nil
}

func (s *Store) updateInstance(ctx context.Context, key keyrouter.InstanceKey, column string, value any) error {
	res := s.db.WithContext(ctx).Model(&instanceRecord{}).
		Where("credential_id = ? AND model = ?", key.CredentialID, key.Model).
		Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("keyrouter/sqlite: update %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", keyrouter.ErrInstanceNotFound, key)
	}
	return nil
}

// SetEnabled toggles the admin kill-switch of an instance.
func (s *Store) SetEnabled(ctx context.Context, key keyrouter.InstanceKey, enabled bool) error {
	return s.updateInstance(ctx, key, "enabled", enabled)
}

// SetPriority changes the priority of an instance.
func (s *Store) SetPriority(ctx context.Context, key keyrouter.InstanceKey, priority int) error {
	return s.updateInstance(ctx, key, "priority", priority)
}

// UpsertCredential adds or replaces a credential. The API key is encrypted.
func (s *Store) UpsertCredential(ctx context.Context, c keyrouter.Credential) error {
	return s.upsertCredential(ctx, c, credentialColumns)
}

func (s *Store) upsertCredential(ctx context.Context, c keyrouter.Credential, columns []string) error {
	if c.ID == "" {
		return fmt.Errorf("keyrouter/sqlite: credential id is required")
	}
	enc, err := s.encrypt(c.APIKey)
	if err != nil {
		return err
	}
	rec := credentialRecord{
		ID:             c.ID,
		Scope:          string(c.Scope),
		TenantID:       c.TenantID,
		Active:         c.Active,
		DisplayName:    c.DisplayName,
		APIKey:         enc,
		AllowedTenants: strings.Join(c.AllowedTenants, ","),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("keyrouter/sqlite: upsert credential: %w", err)
	}
	return nil
}

// RemoveCredential deletes a credential and its instances.
func (s *Store) RemoveCredential(ctx context.Context, credentialID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", credentialID).Delete(&credentialRecord{})
		if res.Error != nil {
			return fmt.Errorf("keyrouter/sqlite: remove credential: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", keyrouter.ErrCredentialNotFound, credentialID)
		}
		if err := tx.Where("credential_id = ?", credentialID).Delete(&instanceRecord{}).Error; err != nil {
			return fmt.Errorf("keyrouter/sqlite: remove instances: %w", err)
		}
		return nil
	})
}

// UpsertInstance adds or replaces an instance. Its credential must exist.
func (s *Store) UpsertInstance(ctx context.Context, inst keyrouter.ModelInstance) error {
	return s.upsertInstance(ctx, inst, instanceColumns)
}

func (s *Store) upsertInstance(ctx context.Context, inst keyrouter.ModelInstance, columns []string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&credentialRecord{}).Where("id = ?", inst.Key.CredentialID).Count(&n).Error; err != nil {
		return fmt.Errorf("keyrouter/sqlite: check credential: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", keyrouter.ErrCredentialNotFound, inst.Key.CredentialID)
	}

	rec := instanceRecord{
		CredentialID:    inst.Key.CredentialID,
		Model:           inst.Key.Model,
		Family:          inst.Family,
		Priority:        inst.Priority,
		Enabled:         inst.Enabled,
		RPM:             inst.Limits.RPM,
		RPH:             inst.Limits.RPH,
		RPD:             inst.Limits.RPD,
		Total:           inst.Limits.Total,
		TotalResetEvery: inst.Limits.TotalResetEvery,
		Unit:            string(inst.Limits.Unit),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "credential_id"}, {Name: "model"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("keyrouter/sqlite: upsert instance: %w", err)
	}
	return nil
}

// DisableCredential marks a credential inactive and keeps the reason.
func (s *Store) DisableCredential(ctx context.Context, credentialID, reason string) error {
	res := s.db.WithContext(ctx).Model(&credentialRecord{}).
		Where("id = ?", credentialID).
		Updates(map[string]any{"active": false, "disabled_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("keyrouter/sqlite: disable credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", keyrouter.ErrCredentialNotFound, credentialID)
	}
	return nil
}

// UpsertTenant stores the settings of a tenant.
func (s *Store) UpsertTenant(ctx context.Context, t keyrouter.TenantConfig) error {
	rec := tenantRecord{
		ID:              t.ID,
		Family:          t.Family,
		BatchingEnabled: t.Batching.Enabled,
		BatchWait:       t.Batching.WaitTime,
		MaxBatchSize:    t.Batching.MaxBatchSize,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("keyrouter/sqlite: upsert tenant: %w", err)
	}
	return nil
}

func (s *Store) tenant(ctx context.Context, tenantID string) (tenantRecord, bool, error) {
	var rec tenantRecord
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tenantRecord{}, false, nil
	}
	if err != nil {
		return tenantRecord{}, false, fmt.Errorf("keyrouter/sqlite: load tenant: %w", err)
	}
	return rec, true, nil
}

// Family returns the model family a tenant's replies use.
func (s *Store) Family(ctx context.Context, tenantID string) (string, error) {
	rec, ok, err := s.tenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if ok && rec.Family != "" {
		return rec.Family, nil
	}
	if s.family == "" {
		return "", fmt.Errorf("keyrouter/sqlite: no family configured for tenant %q", tenantID)
	}
	return s.family, nil
}

// BatchSettings returns the tenant's batching settings. Lookup failures fall
// back to the defaults.
func (s *Store) BatchSettings(ctx context.Context, tenantID string) batch.Settings {
	rec, ok, err := s.tenant(ctx, tenantID)
	if err != nil || !ok {
		return batch.FromConfig(s.defaults)
	}
	cfg := keyrouter.BatchingConfig{
		Enabled:      rec.BatchingEnabled,
		WaitTime:     rec.BatchWait,
		MaxBatchSize: rec.MaxBatchSize,
	}
	return batch.FromConfig(cfg.Merge(s.defaults))
}
