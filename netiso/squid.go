package netiso

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/cohortnet/node/runtime"
)

const defaultSquidImage = "ubuntu/squid:latest"

// SquidConfig is the whitelist configuration for the node's forward
// proxy.
type SquidConfig struct {
	Domains  []string `yaml:"domains"`
	IPRanges []string `yaml:"ip_ranges"`
	Ports    []int    `yaml:"ports"`
	Image    string   `yaml:"image"`
}

// Enabled reports whether any egress is whitelisted at all.
func (c SquidConfig) Enabled() bool {
	return len(c.Domains) > 0 || len(c.IPRanges) > 0
}

// SafetyWarnings checks the whitelist for combinations that weaken the
// isolation guarantees. Findings are advisory: startup proceeds, the
// operator is warned.
func (c SquidConfig) SafetyWarnings() []string {
	var warnings []string

	if len(c.Domains) > 0 {
		for _, port := range c.Ports {
			if port != 443 {
				warnings = append(warnings, fmt.Sprintf(
					"domain whitelist combined with plaintext-capable port %d: algorithm traffic to %v may leave the node unencrypted",
					port, c.Domains))
			}
		}
	}

	for _, cidr := range c.IPRanges {
		ip, _, err := net.ParseCIDR(cidr)
		if err != nil {
			ip = net.ParseIP(cidr)
		}
		if ip == nil {
			warnings = append(warnings, fmt.Sprintf("unparsable IP range %q in whitelist", cidr))
			continue
		}
		if !ip.IsPrivate() && !ip.IsLoopback() {
			warnings = append(warnings, fmt.Sprintf(
				"whitelisted IP range %s lies outside private address space", cidr))
		}
	}

	return warnings
}

var squidConfTemplate = template.Must(template.New("squid.conf").Parse(`# generated, do not edit
{{- if .Domains}}
acl allowed_domains dstdomain{{range .Domains}} .{{.}}{{end}}
{{- end}}
{{- if .IPRanges}}
acl allowed_ips dst{{range .IPRanges}} {{.}}{{end}}
{{- end}}
{{- if .Ports}}
acl allowed_ports port{{range .Ports}} {{.}}{{end}}
{{- end}}
{{- if .Domains}}
http_access allow allowed_domains{{if .Ports}} allowed_ports{{end}}
{{- end}}
{{- if .IPRanges}}
http_access allow allowed_ips{{if .Ports}} allowed_ports{{end}}
{{- end}}
http_access deny all
http_port 3128
`))

// RenderConfig produces the squid.conf for the whitelist.
func (c SquidConfig) RenderConfig() (string, error) {
	var b strings.Builder
	if err := squidConfTemplate.Execute(&b, c); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Squid manages the node's forward-proxy sidecar container.
type Squid struct {
	cfg     SquidConfig
	rt      runtime.ContainerRuntime
	logger  *zap.Logger
	handle  runtime.Handle
	confDir string
}

// NewSquid builds the sidecar manager and runs the startup self-check.
// Unsafe whitelist combinations are warned about, never fatal.
func NewSquid(cfg SquidConfig, rt runtime.ContainerRuntime, confDir string, logger *zap.Logger) *Squid {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "squid"))

	for _, w := range cfg.SafetyWarnings() {
		logger.Warn("unsafe whitelist configuration", zap.String("finding", w))
	}
	if cfg.Image == "" {
		cfg.Image = defaultSquidImage
	}
	return &Squid{cfg: cfg, rt: rt, confDir: confDir, logger: logger}
}

// Start renders the config and launches the proxy container on the
// isolated network.
func (s *Squid) Start(ctx context.Context, nodeName, network string) error {
	conf, err := s.cfg.RenderConfig()
	if err != nil {
		return fmt.Errorf("cannot render squid config: %w", err)
	}
	if err := os.MkdirAll(s.confDir, 0o750); err != nil {
		return err
	}
	confPath := filepath.Join(s.confDir, "squid.conf")
	if err := os.WriteFile(confPath, []byte(conf), 0o644); err != nil {
		return err
	}

	handle, err := s.rt.Launch(ctx, runtime.LaunchSpec{
		Name:    fmt.Sprintf("%s-squid", nodeName),
		Image:   s.cfg.Image,
		Network: network,
		Labels: map[string]string{
			runtime.LabelApp:  "squid",
			runtime.LabelNode: nodeName,
		},
		Volumes: map[string]string{
			confPath: "/etc/squid/squid.conf",
		},
	})
	if err != nil {
		return fmt.Errorf("cannot launch squid sidecar: %w", err)
	}
	s.handle = handle
	s.logger.Info("forward proxy started",
		zap.Strings("domains", s.cfg.Domains),
		zap.Strings("ip_ranges", s.cfg.IPRanges),
		zap.Ints("ports", s.cfg.Ports))
	return nil
}

// Stop removes the sidecar container. Best effort.
func (s *Squid) Stop(ctx context.Context) {
	if s.handle == "" {
		return
	}
	if err := s.rt.Remove(ctx, s.handle); err != nil {
		s.logger.Warn("squid teardown failed", zap.Error(err))
	}
	s.handle = ""
}
