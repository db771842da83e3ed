package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amoylab/timerbridge/internal/common/cnst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}\nc: ${X_C}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
	assert.True(t, strings.HasSuffix(string(out), "c: "))
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	require.NoError(t, os.Chdir(tmp))
	return tmp
}

func TestLoadConfig_Bridge(t *testing.T) {
	tmp := chdirTemp(t)
	t.Setenv("TB_TARGET", "192.168.4.1")

	yaml := `
port: 5100
upstream:
  target: ${TB_TARGET:127.0.0.1}
  dial_timeout: 2s
session:
  type: redis
  redis:
    addr: ${TB_REDIS:localhost:6379}
notification:
  fanout: all
storage:
  type: db
  database:
    type: sqlite
    dbname: ./data/history.db
`
	file := filepath.Join(tmp, "timerbridge.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, path, err := LoadConfig[BridgeConfig]("timerbridge.yaml")
	require.NoError(t, err)
	realFile, _ := filepath.EvalSymlinks(file)
	realPath, _ := filepath.EvalSymlinks(path)
	assert.Equal(t, realFile, realPath)

	assert.Equal(t, 5100, cfg.Port)
	assert.Equal(t, "192.168.4.1", cfg.Upstream.Target)
	assert.Equal(t, 2*time.Second, cfg.Upstream.DialTimeout)
	assert.Equal(t, cnst.DefaultUpstreamPort, cfg.Upstream.DefaultPort)
	assert.Equal(t, "/", cfg.Upstream.Path)
	assert.Equal(t, "localhost:6379", cfg.Session.Redis.Addr)
	assert.Equal(t, 256, cfg.Session.QueueSize)
	assert.Equal(t, cnst.FanoutAll, cfg.Notification.Fanout)
	assert.Equal(t, "db", cfg.Storage.Type)
	assert.Equal(t, "timerbridge", cfg.Metrics.Namespace)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MockTimer(t *testing.T) {
	tmp := chdirTemp(t)
	yaml := `
port: 5002
frequencies: [5658, 5695]
`
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "mock-timer.yaml"), []byte(yaml), 0o644))

	cfg, _, err := LoadConfig[MockTimerConfig]("mock-timer.yaml")
	require.NoError(t, err)
	assert.Equal(t, 5002, cfg.Port)
	assert.Equal(t, []int{5658, 5695}, cfg.Frequencies)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	chdirTemp(t)
	_, _, err := LoadConfig[BridgeConfig]("nope.yaml")
	assert.True(t, os.IsNotExist(err))
}

func TestBridgeConfig_Defaults(t *testing.T) {
	var cfg BridgeConfig
	cfg.SetDefaults()
	assert.Equal(t, cnst.DefaultListenPort, cfg.Port)
	assert.Equal(t, "memory", cfg.Session.Type)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, cnst.FanoutOwner, cfg.Notification.Fanout)
	assert.Equal(t, 1, cfg.Upstream.RedialBurst)
	assert.Equal(t, time.Second, cfg.Upstream.RedialInterval)

	// no target yet
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.target")

	cfg.Upstream.Target = "10.0.0.2"
	assert.NoError(t, cfg.Validate())
}

func TestBridgeConfig_ValidateCollectsAll(t *testing.T) {
	cfg := BridgeConfig{Upstream: UpstreamConfig{Target: "10.0.0.2"}}
	cfg.SetDefaults()
	cfg.Port = 70000
	cfg.Session.Type = "etcd"
	cfg.Notification.Fanout = "some"
	cfg.Storage.Type = "db"
	cfg.Storage.Database.Type = "oracle"

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 4)
	assert.Contains(t, err.Error(), "storage.database.type")
}

func TestBridgeConfig_ValidateRedisTTL(t *testing.T) {
	cfg := BridgeConfig{Upstream: UpstreamConfig{Target: "10.0.0.2"}}
	cfg.Session.Type = "redis"
	cfg.Session.Redis.Addr = "localhost:6379"
	cfg.Session.PingInterval = time.Minute
	cfg.Session.Redis.TTL = 30 * time.Second
	cfg.SetDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.redis.ttl")

	cfg.Session.Redis.TTL = 3 * time.Minute
	assert.NoError(t, cfg.Validate())
}

func TestMockTimerConfig_Validate(t *testing.T) {
	cfg := MockTimerConfig{Frequencies: []int{5658, 0}}
	cfg.SetDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frequencies[1]")
}

func TestGetDSN(t *testing.T) {
	pg := DatabaseConfig{Type: "postgres", User: "u", Password: "p", Host: "h", Port: 5432, DBName: "d", SSLMode: "disable"}
	dsn, err := pg.GetDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", dsn)

	my := DatabaseConfig{Type: "mysql", User: "u", Password: "p", Host: "h", Port: 3306, DBName: "d"}
	dsn, err = my.GetDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "u:p@tcp(h:3306)/d?")

	file := filepath.Join(t.TempDir(), "sub", "x.db")
	lite := DatabaseConfig{Type: "sqlite", DBName: file}
	dsn, err = lite.GetDSN()
	require.NoError(t, err)
	assert.Equal(t, file, dsn)
	assert.DirExists(t, filepath.Dir(file))

	_, err = (&DatabaseConfig{Type: "oracle"}).GetDSN()
	assert.Error(t, err)
}

func TestLoadShippedConfigs(t *testing.T) {
	bridge, _, err := LoadConfig[BridgeConfig]("../../../configs/timerbridge.yaml")
	require.NoError(t, err)
	assert.Equal(t, 5000, bridge.Port)
	assert.Equal(t, "memory", bridge.Session.Type)
	assert.Equal(t, cnst.FanoutOwner, bridge.Notification.Fanout)
	assert.Equal(t, "sqlite", bridge.Storage.Database.Type)
	assert.Equal(t, "disable", bridge.Storage.Database.SSLMode)
	assert.Empty(t, bridge.Tracing.Headers)

	bridge.Upstream.Target = "192.168.4.1"
	assert.NoError(t, bridge.Validate())

	mock, _, err := LoadConfig[MockTimerConfig]("../../../configs/mock-timer.yaml")
	require.NoError(t, err)
	assert.Equal(t, 5001, mock.Port)
	assert.Equal(t, []int{5658, 5695, 5760, 5800}, mock.Frequencies)
	assert.NoError(t, mock.Validate())
}
