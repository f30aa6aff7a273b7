package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tecbrain/internal/config"
	"tecbrain/internal/credential"
	"tecbrain/internal/source"
	"tecbrain/internal/storage"
	logx "tecbrain/pkg/logx"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultSQLitePath, sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "Postgres", DSN: "postgres://db/tec", MaxOpenConns: 4}})
	require.NoError(t, err)
	assert.Equal(t, storage.Config{Driver: "postgres", DSN: "postgres://db/tec", MaxOpenConns: 4}, sc)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}})
	assert.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}})
	assert.Error(t, err)
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	tc, err := mapTelegramConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, tc.RequestTimeout)

	oc, err := mapOrchestratorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, source.DefaultFetchTimeout, oc.FetchTimeout)

	sch := mapSchedulerConfig(cfg)
	assert.True(t, sch.RunOnStart)

	_, enabled, err := mapOpsConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Ops = config.OpsConfig{Enabled: true, Addr: "0.0.0.0:8080"}
	_, _, err = mapOpsConfig(cfg)
	assert.Error(t, err, "public addr without token")
	cfg.Ops.Token = "t"
	opsCfg, enabled, err := mapOpsConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, 15*time.Second, opsCfg.ReadTimeout)
}

func TestNewFileStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs, err := newFileStorage(ctx, &config.Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, fs)

	root := filepath.Join(t.TempDir(), "files")
	fs, err = newFileStorage(ctx, &config.Config{Drive: config.DriveConfig{Driver: "local", LocalRoot: root}}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, fs)
	ref, err := fs.EnsureFolder(ctx, "Ana", "")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, filepath.FromSlash(ref)))

	_, err = newFileStorage(ctx, &config.Config{Drive: config.DriveConfig{Driver: "ftp"}}, logx.Nop())
	assert.Error(t, err)
}

func TestAddAccountSealsPassword(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := credential.NewCipher(testKey)
	require.NoError(t, err)
	r := credential.NewResolver(c, credential.WithKeyring(keyring.NewArrayKeyring(nil)))

	acc, err := addAccount(ctx, store, r, AccountInput{Username: " ana ", Password: "pw", ChatID: 77, RootFolder: "root"})
	require.NoError(t, err)
	assert.Equal(t, "ana", acc.SourceUsername)
	assert.Equal(t, "ana", acc.Name)
	assert.NotContains(t, acc.CredentialRef, "pw")
	pw, err := r.Resolve(acc.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, "pw", pw)

	// same username updates in place
	again, err := addAccount(ctx, store, r, AccountInput{Username: "ana", Password: "pw2", ChatID: 88, UseKeyring: true})
	require.NoError(t, err)
	assert.Equal(t, acc.ID, again.ID)
	assert.Equal(t, int64(88), again.ChatID)
	assert.Equal(t, credential.KeyringPrefix+"account:ana", again.CredentialRef)
	pw, err = r.Resolve(again.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, "pw2", pw)

	active, err := store.ActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAddAccountValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	noKey := credential.NewResolver(nil, credential.WithKeyring(keyring.NewArrayKeyring(nil)))

	_, err = addAccount(ctx, store, noKey, AccountInput{Password: "pw", ChatID: 1})
	assert.Error(t, err)
	_, err = addAccount(ctx, store, noKey, AccountInput{Username: "ana", ChatID: 1})
	assert.Error(t, err)
	_, err = addAccount(ctx, store, noKey, AccountInput{Username: "ana", Password: "pw"})
	assert.Error(t, err)
	_, err = addAccount(ctx, store, noKey, AccountInput{Username: "ana", Password: "pw", ChatID: 1})
	assert.ErrorIs(t, err, credential.ErrBadKey)
}

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := `
logging:
  level: error
telegram:
  token: "123:abc"
storage:
  driver: sqlite
  path: ` + filepath.Join(dir, "tec.db") + `
drive:
  driver: local
  local_root: ` + filepath.Join(dir, "files") + `
orchestrator:
  schedule: "every:1h"
  run_on_start: false
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.False(t, a.runner.Running())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}
