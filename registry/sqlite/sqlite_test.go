package sqlite_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	keyrouter "github.com/ineyio/keyrouter"
	regsqlite "github.com/ineyio/keyrouter/registry/sqlite"
)

func seedConfig() keyrouter.Config {
	return keyrouter.Config{
		Router:   keyrouter.RouterConfig{DefaultFamily: "fast"},
		Batching: keyrouter.BatchingConfig{WaitTime: 2 * time.Second},
		Credentials: []keyrouter.CredentialConfig{
			{ID: "acme-key", Scope: keyrouter.ScopeTenant, TenantID: "acme", APIKey: "sk-acme-secret"},
			{ID: "shared-1", Scope: keyrouter.ScopeShared, APIKey: "sk-shared"},
			{ID: "shared-vip", Scope: keyrouter.ScopeShared, AllowedTenants: []string{"globex", "initech"}},
		},
		Instances: []keyrouter.InstanceConfig{
			{Credential: "acme-key", Model: "flash", Family: "fast", Limits: keyrouter.Limits{RPM: 15, RPD: 1500}},
			{Credential: "shared-1", Model: "flash", Family: "fast", Priority: 1},
			{Credential: "shared-1", Model: "pro", Family: "smart"},
			{Credential: "shared-vip", Model: "flash", Family: "fast"},
		},
		Tenants: []keyrouter.TenantConfig{
			{ID: "acme", Family: "smart", Batching: keyrouter.BatchingConfig{MaxBatchSize: 4}},
		},
	}
}

func openStore(t *testing.T, path string, opts ...regsqlite.Option) *regsqlite.Store {
	t.Helper()
	cfg := seedConfig()
	opts = append([]regsqlite.Option{regsqlite.WithDefaults(cfg.Batching, cfg.Router.DefaultFamily)}, opts...)
	s, err := regsqlite.Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSeededStore(t *testing.T) *regsqlite.Store {
	t.Helper()
	s := openStore(t, filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, s.Seed(context.Background(), seedConfig()))
	return s
}

func keys(instances []keyrouter.ModelInstance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.Key.String()
	}
	return out
}

func TestStore_ListCandidates(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	got, err := s.ListCandidates(ctx, "acme", "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-key/flash", "shared-1/flash"}, keys(got))
	assert.Equal(t, "sk-acme-secret", got[0].Credential.APIKey)
	assert.Equal(t, int64(15), got[0].Limits.RPM)
	assert.Equal(t, int64(1500), got[0].Limits.RPD)

	got, err = s.ListCandidates(ctx, "globex", "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-1/flash", "shared-vip/flash"}, keys(got))
	assert.Equal(t, []string{"globex", "initech"}, got[1].Credential.AllowedTenants)
}

func TestStore_APIKeysEncryptedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s := openStore(t, path)
	require.NoError(t, s.Seed(context.Background(), seedConfig()))

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	var stored string
	require.NoError(t, db.Raw("SELECT api_key FROM credentials WHERE id = ?", "acme-key").Scan(&stored).Error)
	assert.NotEmpty(t, stored)
	assert.NotContains(t, stored, "sk-acme-secret")
}

func TestStore_GeneratedKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	first, err := regsqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Seed(context.Background(), seedConfig()))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	got, err := second.ListCandidates(context.Background(), "acme", "fast")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "sk-acme-secret", got[0].Credential.APIKey)
}

func TestStore_WrongKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s := openStore(t, path)
	require.NoError(t, s.Seed(context.Background(), seedConfig()))

	var other fernet.Key
	require.NoError(t, other.Generate())
	wrong := openStore(t, path, regsqlite.WithFernetKey(&other))

	_, err := wrong.ListCandidates(context.Background(), "acme", "fast")
	assert.Error(t, err)
}

func TestStore_AdminToggles(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	key := keyrouter.InstanceKey{CredentialID: "acme-key", Model: "flash"}

	require.NoError(t, s.SetEnabled(ctx, key, false))
	got, err := s.ListCandidates(ctx, "acme", "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-1/flash"}, keys(got))

	require.NoError(t, s.SetEnabled(ctx, key, true))
	require.NoError(t, s.SetPriority(ctx, key, 7))
	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	for _, inst := range all {
		if inst.Key == key {
			assert.True(t, inst.Enabled)
			assert.Equal(t, 7, inst.Priority)
		}
	}

	err = s.SetEnabled(ctx, keyrouter.InstanceKey{CredentialID: "ghost", Model: "x"}, false)
	assert.ErrorIs(t, err, keyrouter.ErrInstanceNotFound)
}

func TestStore_DisableAndRemoveCredential(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	require.NoError(t, s.DisableCredential(ctx, "shared-1", "auth_invalid"))
	got, err := s.ListCandidates(ctx, "acme", "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-key/flash"}, keys(got))

	require.NoError(t, s.RemoveCredential(ctx, "shared-1"))
	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-key/flash", "shared-vip/flash"}, keys(all))

	assert.ErrorIs(t, s.RemoveCredential(ctx, "shared-1"), keyrouter.ErrCredentialNotFound)
	assert.ErrorIs(t, s.DisableCredential(ctx, "shared-1", ""), keyrouter.ErrCredentialNotFound)
}

func TestStore_UpsertInstanceRequiresCredential(t *testing.T) {
	s := newSeededStore(t)
	err := s.UpsertInstance(context.Background(), keyrouter.ModelInstance{
		Key: keyrouter.InstanceKey{CredentialID: "ghost", Model: "flash"},
	})
	assert.ErrorIs(t, err, keyrouter.ErrCredentialNotFound)
}

func TestStore_TenantSettings(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()

	fam, err := s.Family(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "smart", fam)

	fam, err = s.Family(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, "fast", fam)

	settings := s.BatchSettings(ctx, "acme")
	assert.True(t, settings.Enabled)
	assert.Equal(t, 2*time.Second, settings.WaitTime)
	assert.Equal(t, 4, settings.MaxBatchSize)

	require.NoError(t, s.UpsertTenant(ctx, keyrouter.TenantConfig{
		ID:       "acme",
		Batching: keyrouter.BatchingConfig{Enabled: keyrouter.BoolPtr(false)},
	}))
	assert.False(t, s.BatchSettings(ctx, "acme").Enabled)

	settings = s.BatchSettings(ctx, "unknown")
	assert.Equal(t, 2*time.Second, settings.WaitTime)
	assert.Equal(t, keyrouter.DefaultBatchSize, settings.MaxBatchSize)
}

func TestStore_DisabledRowsStayDisabled(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "registry.db"))
	ctx := context.Background()

	require.NoError(t, s.UpsertCredential(ctx, keyrouter.Credential{ID: "c1", Scope: keyrouter.ScopeShared, Active: false}))
	require.NoError(t, s.UpsertCredential(ctx, keyrouter.Credential{ID: "c2", Scope: keyrouter.ScopeShared, Active: true}))
	require.NoError(t, s.UpsertInstance(ctx, keyrouter.ModelInstance{
		Key: keyrouter.InstanceKey{CredentialID: "c1", Model: "flash"}, Family: "fast", Enabled: true,
	}))
	require.NoError(t, s.UpsertInstance(ctx, keyrouter.ModelInstance{
		Key: keyrouter.InstanceKey{CredentialID: "c2", Model: "flash"}, Family: "fast", Enabled: false,
	}))

	got, err := s.ListCandidates(ctx, "acme", "fast")
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Credential.Active)
	assert.True(t, all[0].Enabled)
	assert.True(t, all[1].Credential.Active)
	assert.False(t, all[1].Enabled)

	// Same through the conflict path.
	require.NoError(t, s.UpsertCredential(ctx, keyrouter.Credential{ID: "c2", Scope: keyrouter.ScopeShared, Active: false}))
	require.NoError(t, s.UpsertCredential(ctx, keyrouter.Credential{ID: "c1", Scope: keyrouter.ScopeShared, Active: true}))
	require.NoError(t, s.UpsertInstance(ctx, keyrouter.ModelInstance{
		Key: keyrouter.InstanceKey{CredentialID: "c1", Model: "flash"}, Family: "fast", Enabled: false,
	}))

	got, err = s.ListCandidates(ctx, "acme", "fast")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_SeedKeepsRuntimeState(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	acme := keyrouter.InstanceKey{CredentialID: "acme-key", Model: "flash"}
	vip := keyrouter.InstanceKey{CredentialID: "shared-vip", Model: "flash"}

	require.NoError(t, s.DisableCredential(ctx, "shared-1", "auth_invalid"))
	require.NoError(t, s.SetEnabled(ctx, acme, false))
	require.NoError(t, s.SetPriority(ctx, vip, 5))

	cfg := seedConfig()
	cfg.Instances[0].Limits.RPM = 30
	cfg.Instances = append(cfg.Instances, keyrouter.InstanceConfig{Credential: "shared-1", Model: "lite", Family: "fast"})
	require.NoError(t, s.Seed(ctx, cfg))

	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	byKey := map[keyrouter.InstanceKey]keyrouter.ModelInstance{}
	for _, inst := range all {
		byKey[inst.Key] = inst
	}

	assert.False(t, byKey[acme].Enabled)
	assert.Equal(t, int64(30), byKey[acme].Limits.RPM)
	assert.Equal(t, 5, byKey[vip].Priority)
	assert.False(t, byKey[keyrouter.InstanceKey{CredentialID: "shared-1", Model: "flash"}].Credential.Active)

	added, ok := byKey[keyrouter.InstanceKey{CredentialID: "shared-1", Model: "lite"}]
	require.True(t, ok)
	assert.True(t, added.Enabled)

	got, err := s.ListCandidates(ctx, "globex", "fast")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-vip/flash"}, keys(got))
}

func TestStore_FreshDatabaseLogsNothing(t *testing.T) {
	var buf bytes.Buffer
	s := openStore(t, filepath.Join(t.TempDir(), "registry.db"), regsqlite.WithLogOutput(&buf))

	fam, err := s.Family(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "fast", fam)
	assert.Empty(t, buf.String())
}
