package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dep2p/swarmnet/core/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
listen = ["/ip4/127.0.0.1/tcp/0"]
bootstrap = ["/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWHFrmLWTTDD4NodngtRMEVYgxrsDMp4F9iSwYntZ9WjHa"]
dial_timeout = "5s"
min_connections = 4
initial_backoff = "2m"
max_backoff = "32m"
deny_addrs = ["/ip4/10.0.0.0/ipcidr/8"]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// TestLoadFileConfig 测试配置文件的解析和默认值
func TestLoadFileConfig(t *testing.T) {
	cfg, err := loadFileConfig(writeFile(t, "swarmd.toml", testConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, cfg.Listen)
	assert.Len(t, cfg.Bootstrap, 1)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout.Duration)
	assert.Equal(t, 4, cfg.MinConnections)
	assert.Equal(t, 2*time.Minute, cfg.InitialBackoff.Duration)
	assert.Equal(t, 32*time.Minute, cfg.MaxBackoff.Duration)
	// 文件中没有的值保留默认值
	assert.Equal(t, time.Minute, cfg.SweepInterval.Duration)

	def, err := loadFileConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultFileConfig(), def)

	_, err = loadFileConfig(writeFile(t, "bad.toml", `dial_timeout = "soon"`))
	require.Error(t, err)
}

// TestFlagsOverride 测试显式给出的参数覆盖配置文件
func TestFlagsOverride(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--min-connections", "0", "--listen", "/ip4/0.0.0.0/tcp/5000"}))

	cfg, err := loadFileConfig(writeFile(t, "swarmd.toml", testConfig))
	require.NoError(t, err)

	var flags runFlags
	flags.minConnections, _ = cmd.Flags().GetInt("min-connections")
	flags.listen, _ = cmd.Flags().GetStringSlice("listen")
	flags.override(cmd.Flags(), &cfg)

	assert.Equal(t, 0, cfg.MinConnections)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/5000"}, cfg.Listen)
	// 未给出的参数不覆盖
	assert.Equal(t, 5*time.Second, cfg.DialTimeout.Duration)
}

// TestKeygen 测试生成的私钥可以被 run 加载
func TestKeygen(t *testing.T) {
	out := filepath.Join(t.TempDir(), "node.key")
	cmd := newKeygenCmd()
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--out", out, "--type", "secp256k1"})
	require.NoError(t, cmd.Execute())

	priv, err := loadIdentity(out)
	require.NoError(t, err)
	assert.Equal(t, crypto.Secp256k1, priv.Type())

	bad := newKeygenCmd()
	bad.SetArgs([]string{"--type", "rsa"})
	require.Error(t, bad.Execute())
}

// TestPSK 测试生成的预共享密钥可以被 run 加载
func TestPSK(t *testing.T) {
	var buf bytes.Buffer
	cmd := newPSKCmd()
	cmd.SetOut(&buf)
	require.NoError(t, cmd.Execute())

	p := writeFile(t, "swarm.key", buf.String())
	psk, err := loadPSK(p)
	require.NoError(t, err)
	assert.Len(t, psk, 32)
}

// TestNodeOptions 测试配置文件转换为节点选项
func TestNodeOptions(t *testing.T) {
	cfg := defaultFileConfig()
	cfg.IdentityFile = filepath.Join(t.TempDir(), "missing.key")
	_, err := nodeOptions(cfg, nil)
	require.Error(t, err)

	cfg.IdentityFile = ""
	opts, err := nodeOptions(cfg, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}
