package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scm "github.com/axondata/go-scm"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, scm.DefaultPipeTimeout, cfg.PipeTimeout())
	assert.Equal(t, scm.DefaultKillTimeout, cfg.KillTimeout())
	assert.Equal(t, scm.DefaultStartupLockTimeout, cfg.StartupLockTimeout())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scmd.yaml")
	data := []byte(`store_dir: /srv/scm/services
runtime_dir: /tmp/scm
listen: 127.0.0.1:9999
log_level: debug
device_host: /usr/lib/scm/devicehost
ServicesPipeTimeout: 2500
WaitToKillServiceTimeout: 5000
concurrency: 4
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/scm/services", cfg.StoreDir)
	assert.Equal(t, "/tmp/scm", cfg.RuntimeDir)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "/usr/lib/scm/devicehost", cfg.DeviceHost)
	assert.Equal(t, 2500*time.Millisecond, cfg.PipeTimeout())
	assert.Equal(t, 5*time.Second, cfg.KillTimeout())
	assert.Equal(t, 4, cfg.Concurrency)

	// unset keys keep their defaults
	assert.Equal(t, scm.DefaultStartupLockTimeout, cfg.StartupLockTimeout())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCM_LISTEN", "0.0.0.0:7171")
	t.Setenv("SCM_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7171", cfg.Listen)
	assert.Equal(t, zerolog.WarnLevel, cfg.Level())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: chatty\nconcurrency: 0\nlisten: \"\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	var merr *scm.MultiError
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.PipeTimeoutMs = 0
	cfg.KillTimeoutMs = 0
	cfg.StoreDir = ""
	err := cfg.Validate()

	var merr *scm.MultiError
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
}

func TestManagerOptions(t *testing.T) {
	cfg := Default()
	cfg.PipeTimeoutMs = 1234
	cfg.DeviceHost = "/bin/devhost"

	m := scm.NewManager(scm.NewDatabase(nil, zerolog.Nop()), nil, cfg.ManagerOptions()...)
	assert.Equal(t, 1234*time.Millisecond, m.PipeTimeout)
	assert.Equal(t, scm.DefaultKillTimeout, m.KillTimeout)
	assert.Equal(t, "/bin/devhost", m.DeviceHost)
	assert.Equal(t, scm.DefaultConcurrency, m.Concurrency)
}
