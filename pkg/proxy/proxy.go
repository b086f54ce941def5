package proxy

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/abcdlsj/dockgen/pkg/cert"
	"github.com/abcdlsj/dockgen/pkg/docker"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

// Environment keys read from containers. Each key may carry a suffix that
// groups it with the VIRTUAL_HOST key of the same suffix.
const (
	envVirtualHost = "VIRTUAL_HOST"
	envVirtualPort = "VIRTUAL_PORT"
	envHTTPSMode   = "HTTPS_MODE"
	envHTTPMode    = "HTTP_MODE"
	envSSLCert     = "SSL_CERT"
	envProxyType   = "PROXY_TYPE"
)

const (
	ModeAuto    = "auto"
	ModeEnabled = "enabled"

	defaultPort      = "80"
	defaultProxyType = "http"
)

// Generator renders an nginx configuration routing every declared virtual
// host to the published port of its container.
type Generator struct {
	output  string
	certDir string
	confDir string
	fs      afero.Fs
	logger  *log.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithCertDir sets the directory holding <name>.crt / <name>.key pairs.
func WithCertDir(dir string) Option {
	return func(g *Generator) { g.certDir = dir }
}

// WithConfDir sets the directory holding optional <hostname>.conf includes.
func WithConfDir(dir string) Option {
	return func(g *Generator) { g.confDir = dir }
}

// WithFs sets the filesystem certificates and includes are read from.
func WithFs(fs afero.Fs) Option {
	return func(g *Generator) { g.fs = fs }
}

// WithLogger sets the logger for skipped hosts and certificate warnings.
func WithLogger(l *log.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// New creates a generator writing its configuration to output.
func New(output string, opts ...Option) *Generator {
	g := &Generator{
		output: output,
		fs:     afero.NewOsFs(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name identifies the generator in logs.
func (g *Generator) Name() string {
	return "proxy:" + g.output
}

// Generate renders the configuration for the given snapshot.
func (g *Generator) Generate(state *docker.State) (map[string][]byte, error) {
	certs, err := cert.Scan(g.fs, g.certDir)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Loaded certificates", "count", certs.Len(), "names", certs.Names())

	var buf bytes.Buffer
	writeHeader(&buf, certs)

	for _, vh := range Discover(state) {
		g.writeVirtualHost(&buf, certs, vh)
	}

	return map[string][]byte{g.output: buf.Bytes()}, nil
}

// VirtualHost is one hostname declared by a container and its routing
// settings.
type VirtualHost struct {
	Hostname  string
	Port      string
	HTTPMode  string
	HTTPSMode string
	ProxyType string

	// SSLCert is only meaningful when HasSSLCert is set. An explicit empty
	// value disables TLS for the host.
	SSLCert    string
	HasSSLCert bool

	Container docker.Container
}

func newVirtualHost(hostname, suffix string, c docker.Container) VirtualHost {
	sslCert, hasSSLCert := c.Env[envSSLCert+suffix]
	return VirtualHost{
		Hostname:   hostname,
		Port:       c.EnvOr(envVirtualPort+suffix, defaultPort),
		HTTPMode:   c.EnvOr(envHTTPMode+suffix, ModeAuto),
		HTTPSMode:  c.EnvOr(envHTTPSMode+suffix, ModeAuto),
		ProxyType:  c.EnvOr(envProxyType+suffix, defaultProxyType),
		SSLCert:    sslCert,
		HasSSLCert: hasSSLCert,
		Container:  c,
	}
}

// Discover builds the virtual hosts declared across all containers. A
// hostname declared more than once keeps its first position but takes the
// settings of the last declaration.
func Discover(state *docker.State) []VirtualHost {
	var result []VirtualHost
	index := map[string]int{}

	for _, c := range state.Containers {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			if strings.HasPrefix(k, envVirtualHost) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		for _, k := range keys {
			suffix := strings.TrimPrefix(k, envVirtualHost)
			for _, hostname := range strings.Split(c.Env[k], ",") {
				hostname = strings.TrimSpace(hostname)
				if hostname == "" {
					continue
				}

				vh := newVirtualHost(hostname, suffix, c)
				if i, ok := index[hostname]; ok {
					result[i] = vh
					continue
				}
				index[hostname] = len(result)
				result = append(result, vh)
			}
		}
	}

	return result
}

// ResolveCert picks the certificate for a virtual host. ok is false when
// the host is served without TLS.
func (g *Generator) ResolveCert(certs *cert.Set, vh VirtualHost) (string, bool) {
	if vh.HasSSLCert {
		if vh.SSLCert == "" {
			return "", false
		}
		if certs.Has(vh.SSLCert) {
			return vh.SSLCert, true
		}
		g.logger.Warn("Unable to find requested SSL certificate", "host", vh.Hostname, "cert", vh.SSLCert)
		return "", false
	}

	return certs.Match(vh.Hostname)
}

func (g *Generator) writeVirtualHost(buf *bytes.Buffer, certs *cert.Set, vh VirtualHost) {
	if !validHostname(vh.Hostname) {
		g.logger.Error("Invalid virtual host", "host", vh.Hostname, "container", vh.Container.ID)
		return
	}

	port, err := strconv.Atoi(vh.Port)
	if err != nil {
		g.logger.Error("Invalid virtual port", "host", vh.Hostname, "port", vh.Port)
		return
	}

	binding, ok := vh.Container.FindPort(port)
	if !ok || !binding.Published() {
		g.logger.Error("Port not exposed", "host", vh.Hostname, "port", port, "container", vh.Container.ID)
		return
	}

	s := segment{
		hostname: vh.Hostname,
		target:   fmt.Sprintf("%s://%s:%d", vh.ProxyType, vh.Container.Host, binding.HostPort),
		include:  g.include(vh.Hostname),
	}

	certName, hasCert := g.ResolveCert(certs, vh)

	switch vh.HTTPMode {
	case ModeAuto:
		plain := s
		plain.redirect = hasCert
		plain.write(buf, certs)
	case ModeEnabled:
		s.write(buf, certs)
	}

	if hasCert && (vh.HTTPSMode == ModeAuto || vh.HTTPSMode == ModeEnabled) {
		tls := s
		tls.cert = certName
		tls.write(buf, certs)
	}
}

// validHostname rejects names that would break out of the server_name
// directive or of the include directory.
func validHostname(hostname string) bool {
	if hostname == "." || hostname == ".." {
		return false
	}
	return !strings.ContainsAny(hostname, "/\\;{}\"'` \t\r\n")
}

// include returns the absolute path of the per-host include file, or "" if
// there is none.
func (g *Generator) include(hostname string) string {
	if g.confDir == "" {
		return ""
	}

	path := filepath.Join(g.confDir, hostname+".conf")
	fi, err := g.fs.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return ""
	}
	return path
}
