package netiso

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/cohortnet/node/types"
)

// TunnelConfig describes one SSH tunnel from the isolated network to a
// remote endpoint.
type TunnelConfig struct {
	// LocalAddr is the bind address on the isolated network, e.g.
	// "0.0.0.0:8000".
	LocalAddr string `yaml:"local_addr"`
	// Remote endpoint the tunnel forwards to, reached from the SSH host.
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
	// SSH endpoint and credentials.
	SSHHost      string `yaml:"ssh_host"`
	SSHPort      int    `yaml:"ssh_port"`
	User         string `yaml:"user"`
	IdentityFile string `yaml:"identity_file"`
	// HostKeyFingerprint is the pinned SHA256 fingerprint of the SSH
	// host key ("SHA256:..."). Connecting to a host presenting any other
	// key fails; there is no trust-on-first-use.
	HostKeyFingerprint string `yaml:"host_key_fingerprint"`
}

// Validate checks the tunnel config at startup. Errors are fatal.
func (c TunnelConfig) Validate() error {
	if c.LocalAddr == "" || c.RemoteHost == "" || c.RemotePort == 0 {
		return types.NewError(types.ErrConfiguration, "tunnel endpoints incomplete")
	}
	if c.SSHHost == "" || c.User == "" || c.IdentityFile == "" {
		return types.NewError(types.ErrConfiguration, "tunnel SSH credentials incomplete")
	}
	if c.HostKeyFingerprint == "" {
		return types.NewError(types.ErrConfiguration,
			"tunnel requires a pinned host key fingerprint")
	}
	return nil
}

// Tunnel binds a local port on the isolated network to a remote
// host:port via SSH.
type Tunnel struct {
	cfg    TunnelConfig
	logger *zap.Logger

	mu       sync.Mutex
	client   *ssh.Client
	listener net.Listener
	closed   bool
}

// NewTunnel validates the config and builds a tunnel.
func NewTunnel(cfg TunnelConfig, logger *zap.Logger) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	return &Tunnel{
		cfg: cfg,
		logger: logger.With(
			zap.String("component", "ssh_tunnel"),
			zap.String("remote", fmt.Sprintf("%s:%d", cfg.RemoteHost, cfg.RemotePort))),
	}, nil
}

// Start dials the SSH host, verifies its pinned key, and begins
// accepting local connections.
func (t *Tunnel) Start(ctx context.Context) error {
	keyData, err := os.ReadFile(t.cfg.IdentityFile)
	if err != nil {
		return types.NewError(types.ErrConfiguration, "cannot read tunnel identity file").WithCause(err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return types.NewError(types.ErrConfiguration, "cannot parse tunnel identity file").WithCause(err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: t.pinnedHostKey,
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.SSHHost, t.cfg.SSHPort)
	client, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return fmt.Errorf("SSH dial %s failed: %w", addr, err)
	}

	listener, err := net.Listen("tcp", t.cfg.LocalAddr)
	if err != nil {
		client.Close()
		return fmt.Errorf("cannot bind tunnel on %s: %w", t.cfg.LocalAddr, err)
	}

	t.mu.Lock()
	t.client = client
	t.listener = listener
	t.mu.Unlock()

	t.logger.Info("tunnel established", zap.String("local", t.cfg.LocalAddr))
	go t.acceptLoop(ctx)
	return nil
}

func (t *Tunnel) pinnedHostKey(_ string, _ net.Addr, key ssh.PublicKey) error {
	got := ssh.FingerprintSHA256(key)
	if got != t.cfg.HostKeyFingerprint {
		return fmt.Errorf("host key fingerprint %s does not match pinned %s",
			got, t.cfg.HostKeyFingerprint)
	}
	return nil
}

func (t *Tunnel) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() || ctx.Err() != nil {
				return
			}
			t.logger.Warn("tunnel accept failed", zap.Error(err))
			continue
		}
		go t.forward(conn)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer local.Close()

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return
	}

	remote, err := client.Dial("tcp",
		fmt.Sprintf("%s:%d", t.cfg.RemoteHost, t.cfg.RemotePort))
	if err != nil {
		t.logger.Warn("tunnel remote dial failed", zap.Error(err))
		return
	}
	defer remote.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(remote, local)
		close(done)
	}()
	io.Copy(local, remote)
	<-done
}

// Close tears the tunnel down.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.listener != nil {
		t.listener.Close()
	}
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

func (t *Tunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
