package netiso

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquidSafetyWarnings(t *testing.T) {
	t.Run("domains with plaintext port are flagged", func(t *testing.T) {
		cfg := SquidConfig{Domains: []string{"example.com"}, Ports: []int{80}}
		warnings := cfg.SafetyWarnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "port 80")
	})

	t.Run("https-only port is fine", func(t *testing.T) {
		cfg := SquidConfig{Domains: []string{"example.com"}, Ports: []int{443}}
		assert.Empty(t, cfg.SafetyWarnings())
	})

	t.Run("ports without domains are fine", func(t *testing.T) {
		cfg := SquidConfig{Ports: []int{80, 8080}}
		assert.Empty(t, cfg.SafetyWarnings())
	})

	t.Run("public IP range is flagged", func(t *testing.T) {
		cfg := SquidConfig{IPRanges: []string{"8.8.8.0/24"}}
		warnings := cfg.SafetyWarnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "outside private address space")
	})

	t.Run("private ranges and loopback are fine", func(t *testing.T) {
		cfg := SquidConfig{IPRanges: []string{"10.0.0.0/8", "192.168.1.0/24", "127.0.0.1"}}
		assert.Empty(t, cfg.SafetyWarnings())
	})

	t.Run("garbage range is flagged", func(t *testing.T) {
		cfg := SquidConfig{IPRanges: []string{"not-an-ip"}}
		warnings := cfg.SafetyWarnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "unparsable")
	})
}

func TestSquidRenderConfig(t *testing.T) {
	cfg := SquidConfig{
		Domains:  []string{"pypi.org", "example.com"},
		IPRanges: []string{"10.1.0.0/16"},
		Ports:    []int{443},
	}
	conf, err := cfg.RenderConfig()
	require.NoError(t, err)

	assert.Contains(t, conf, "acl allowed_domains dstdomain .pypi.org .example.com")
	assert.Contains(t, conf, "acl allowed_ips dst 10.1.0.0/16")
	assert.Contains(t, conf, "acl allowed_ports port 443")
	assert.Contains(t, conf, "http_access allow allowed_domains allowed_ports")
	assert.Contains(t, conf, "http_access allow allowed_ips allowed_ports")
	assert.Contains(t, conf, "http_access deny all")
	// the deny must come after every allow
	assert.Greater(t,
		strings.Index(conf, "http_access deny all"),
		strings.Index(conf, "http_access allow allowed_ips"))
}

func TestSquidEnabled(t *testing.T) {
	assert.False(t, SquidConfig{}.Enabled())
	assert.False(t, SquidConfig{Ports: []int{443}}.Enabled())
	assert.True(t, SquidConfig{Domains: []string{"example.com"}}.Enabled())
	assert.True(t, SquidConfig{IPRanges: []string{"10.0.0.0/8"}}.Enabled())
}

func TestTunnelConfigValidate(t *testing.T) {
	valid := TunnelConfig{
		LocalAddr:          "0.0.0.0:8000",
		RemoteHost:         "db.internal",
		RemotePort:         5432,
		SSHHost:            "bastion.example.com",
		User:               "node",
		IdentityFile:       "/keys/id_ed25519",
		HostKeyFingerprint: "SHA256:abcdef",
	}
	assert.NoError(t, valid.Validate())

	t.Run("missing fingerprint is fatal", func(t *testing.T) {
		cfg := valid
		cfg.HostKeyFingerprint = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fingerprint")
	})

	t.Run("missing endpoint is fatal", func(t *testing.T) {
		cfg := valid
		cfg.RemoteHost = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing credentials are fatal", func(t *testing.T) {
		cfg := valid
		cfg.IdentityFile = ""
		assert.Error(t, cfg.Validate())
	})
}
