package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/abcdlsj/dockgen/pkg/cert"
	"github.com/abcdlsj/dockgen/pkg/docker"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const output = "/etc/nginx/conf.d/default.conf"

func newTestGenerator(t *testing.T, certs ...string) (*Generator, afero.Fs, *bytes.Buffer) {
	t.Helper()

	fsys := afero.NewMemMapFs()
	for _, c := range certs {
		require.NoError(t, afero.WriteFile(fsys, "/certs/"+c+".crt", []byte("crt"), 0o600))
		require.NoError(t, afero.WriteFile(fsys, "/certs/"+c+".key", []byte("key"), 0o600))
	}

	var logs bytes.Buffer
	g := New(output,
		WithFs(fsys),
		WithCertDir("/certs"),
		WithConfDir("/confs"),
		WithLogger(log.New(&logs)),
	)
	return g, fsys, &logs
}

func web(host string, env map[string]string, ports ...docker.Port) docker.Container {
	return docker.Container{ID: "c-" + host, Host: host, Env: env, Ports: ports}
}

func generate(t *testing.T, g *Generator, containers ...docker.Container) string {
	t.Helper()

	files, err := g.Generate(&docker.State{Containers: containers})
	require.NoError(t, err)
	require.Len(t, files, 1)
	return string(files[output])
}

// servers returns the server blocks for hostname.
func servers(conf, hostname string) []string {
	var result []string
	for _, block := range strings.Split(conf, "server {\n")[1:] {
		if strings.Contains(block, "server_name "+hostname+";") {
			result = append(result, block)
		}
	}
	return result
}

func TestPortResolution(t *testing.T) {
	g, _, logs := newTestGenerator(t)

	conf := generate(t, g,
		web("docker1", map[string]string{"VIRTUAL_HOST": "app.example.com", "VIRTUAL_PORT": "8080"},
			docker.Port{ContainerPort: 8080, HostPort: 32768}),
		web("docker2", map[string]string{"VIRTUAL_HOST": "broken.example.com", "VIRTUAL_PORT": "9000"},
			docker.Port{ContainerPort: 9000}),
		web("docker3", map[string]string{"VIRTUAL_HOST": "other.example.com"},
			docker.Port{ContainerPort: 80, HostPort: 8000}),
	)

	app := servers(conf, "app.example.com")
	require.Len(t, app, 1)
	assert.Contains(t, app[0], "proxy_pass http://docker1:32768;")

	assert.Empty(t, servers(conf, "broken.example.com"))
	assert.Contains(t, logs.String(), "Port not exposed")
	assert.Contains(t, logs.String(), "broken.example.com")

	other := servers(conf, "other.example.com")
	require.Len(t, other, 1)
	assert.Contains(t, other[0], "proxy_pass http://docker3:8000;")
}

func TestUDPPortIsNotUsed(t *testing.T) {
	g, _, logs := newTestGenerator(t)

	conf := generate(t, g, web("docker1", map[string]string{"VIRTUAL_HOST": "dns.example.com", "VIRTUAL_PORT": "53"},
		docker.Port{ContainerPort: 53, UDP: true, HostPort: 5353}))

	assert.Empty(t, servers(conf, "dns.example.com"))
	assert.Contains(t, logs.String(), "Port not exposed")
}

func TestInvalidPort(t *testing.T) {
	g, _, logs := newTestGenerator(t)

	conf := generate(t, g, web("docker1", map[string]string{"VIRTUAL_HOST": "x.example.com", "VIRTUAL_PORT": "http"}))

	assert.Empty(t, servers(conf, "x.example.com"))
	assert.Contains(t, logs.String(), "Invalid virtual port")
}

func TestModeMatrix(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		certs     []string
		redirects int
		plain     int
		tls       int
	}{
		{
			name:      "auto with cert redirects",
			env:       map[string]string{},
			certs:     []string{"example.com"},
			redirects: 1,
			tls:       1,
		},
		{
			name:  "auto without cert serves plain",
			env:   map[string]string{},
			plain: 1,
		},
		{
			name:  "enabled with cert serves both",
			env:   map[string]string{"HTTP_MODE": "enabled"},
			certs: []string{"example.com"},
			plain: 1,
			tls:   1,
		},
		{
			name: "disabled without cert emits nothing",
			env:  map[string]string{"HTTP_MODE": "disabled"},
		},
		{
			name:  "disabled with cert is tls only",
			env:   map[string]string{"HTTP_MODE": "disabled"},
			certs: []string{"example.com"},
			tls:   1,
		},
		{
			name:      "https disabled keeps redirect",
			env:       map[string]string{"HTTPS_MODE": "disabled"},
			certs:     []string{"example.com"},
			redirects: 1,
		},
		{
			name:  "https enabled",
			env:   map[string]string{"HTTPS_MODE": "enabled", "HTTP_MODE": "enabled"},
			certs: []string{"example.com"},
			plain: 1,
			tls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newTestGenerator(t, tt.certs...)

			env := map[string]string{"VIRTUAL_HOST": "www.example.com"}
			for k, v := range tt.env {
				env[k] = v
			}
			conf := generate(t, g, web("docker1", env, docker.Port{ContainerPort: 80, HostPort: 8080}))

			var redirects, plain, tls int
			for _, block := range servers(conf, "www.example.com") {
				switch {
				case strings.Contains(block, "return 301"):
					redirects++
				case strings.Contains(block, "listen 443"):
					tls++
					assert.Contains(t, block, "ssl_certificate /certs/example.com.crt;")
					assert.Contains(t, block, "proxy_pass http://docker1:8080;")
				default:
					plain++
					assert.Contains(t, block, "proxy_pass http://docker1:8080;")
				}
			}

			assert.Equal(t, tt.redirects, redirects, "redirect segments")
			assert.Equal(t, tt.plain, plain, "plain segments")
			assert.Equal(t, tt.tls, tls, "tls segments")
		})
	}
}

func TestResolveCert(t *testing.T) {
	g, fsys, logs := newTestGenerator(t, "com", "example.com", "other.org")
	certs, err := cert.Scan(fsys, "/certs")
	require.NoError(t, err)

	vh := func(env map[string]string) VirtualHost {
		return newVirtualHost("example.com", "", docker.Container{Env: env})
	}

	name, ok := g.ResolveCert(certs, vh(map[string]string{}))
	require.True(t, ok)
	assert.Equal(t, "example.com", name)

	name, ok = g.ResolveCert(certs, vh(map[string]string{"SSL_CERT": "other.org"}))
	require.True(t, ok)
	assert.Equal(t, "other.org", name)

	_, ok = g.ResolveCert(certs, vh(map[string]string{"SSL_CERT": ""}))
	assert.False(t, ok, "explicit empty certificate disables TLS")
	assert.Empty(t, logs.String())

	_, ok = g.ResolveCert(certs, vh(map[string]string{"SSL_CERT": "missing"}))
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "Unable to find requested SSL certificate")
	assert.Contains(t, logs.String(), "missing")
}

func TestUnknownCertDoesNotAbort(t *testing.T) {
	g, _, logs := newTestGenerator(t, "example.com")

	conf := generate(t, g, web("docker1",
		map[string]string{"VIRTUAL_HOST": "www.example.com", "SSL_CERT": "nope"},
		docker.Port{ContainerPort: 80, HostPort: 8080}))

	blocks := servers(conf, "www.example.com")
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "listen 80;")
	assert.Contains(t, blocks[0], "proxy_pass")
	assert.Contains(t, logs.String(), "WARN")
}

func TestSuffixGroups(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	conf := generate(t, g, web("docker1", map[string]string{
		"VIRTUAL_HOST":      "www.example.com, example.com",
		"VIRTUAL_HOST_API":  "api.example.com",
		"VIRTUAL_PORT_API":  "9000",
		"PROXY_TYPE_API":    "https",
		"VIRTUAL_HOST_NONE": "",
	},
		docker.Port{ContainerPort: 80, HostPort: 8080},
		docker.Port{ContainerPort: 9000, HostPort: 9090},
	))

	for _, h := range []string{"www.example.com", "example.com"} {
		blocks := servers(conf, h)
		require.Len(t, blocks, 1, h)
		assert.Contains(t, blocks[0], "proxy_pass http://docker1:8080;")
	}

	api := servers(conf, "api.example.com")
	require.Len(t, api, 1)
	assert.Contains(t, api[0], "proxy_pass https://docker1:9090;")
}

func TestDuplicateHostnameLastWins(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	conf := generate(t, g,
		web("docker1", map[string]string{"VIRTUAL_HOST": "app.example.com"}, docker.Port{ContainerPort: 80, HostPort: 1111}),
		web("docker2", map[string]string{"VIRTUAL_HOST": "app.example.com"}, docker.Port{ContainerPort: 80, HostPort: 2222}),
	)

	blocks := servers(conf, "app.example.com")
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "proxy_pass http://docker2:2222;")
}

func TestIncludeFile(t *testing.T) {
	g, fsys, _ := newTestGenerator(t)
	require.NoError(t, afero.WriteFile(fsys, "/confs/app.example.com.conf", []byte("client_max_body_size 10m;"), 0o644))

	conf := generate(t, g,
		web("docker1", map[string]string{"VIRTUAL_HOST": "app.example.com,plain.example.com"}, docker.Port{ContainerPort: 80, HostPort: 8080}),
	)

	app := servers(conf, "app.example.com")
	require.Len(t, app, 1)
	assert.Contains(t, app[0], "include /confs/app.example.com.conf;")

	plain := servers(conf, "plain.example.com")
	require.Len(t, plain, 1)
	assert.NotContains(t, plain[0], "include")
}

func TestCatchAll(t *testing.T) {
	g, _, _ := newTestGenerator(t)
	conf := generate(t, g)

	catchAll := servers(conf, "_")
	require.Len(t, catchAll, 1)
	assert.Contains(t, catchAll[0], "listen 80 default_server;")
	assert.Contains(t, catchAll[0], "return 404;")

	g, _, _ = newTestGenerator(t, "b.org", "a.org")
	conf = generate(t, g)

	catchAll = servers(conf, "_")
	require.Len(t, catchAll, 2)
	assert.Contains(t, catchAll[1], "listen 443 ssl http2 default_server;")
	assert.Contains(t, catchAll[1], "ssl_certificate /certs/a.org.crt;")
}

func TestGenerateIsDeterministic(t *testing.T) {
	g, _, _ := newTestGenerator(t, "example.com")

	containers := []docker.Container{
		web("docker1", map[string]string{"VIRTUAL_HOST": "a.example.com", "VIRTUAL_HOST_2": "b.example.com", "VIRTUAL_HOST_3": "c.example.com"},
			docker.Port{ContainerPort: 80, HostPort: 8080}),
		web("docker2", map[string]string{"VIRTUAL_HOST": "d.example.com"},
			docker.Port{ContainerPort: 80, HostPort: 8081}),
	}

	first := generate(t, g, containers...)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, generate(t, g, containers...))
	}
}

func TestDiscover(t *testing.T) {
	state := &docker.State{Containers: []docker.Container{
		{ID: "1", Env: map[string]string{"VIRTUAL_HOST_B": "b.com", "VIRTUAL_HOST_A": "a.com", "OTHER": "x"}},
		{ID: "2", Env: map[string]string{"VIRTUAL_HOST": "c.com,a.com", "HTTPS_MODE": "enabled"}},
	}}

	vhs := Discover(state)
	require.Len(t, vhs, 3)

	assert.Equal(t, "a.com", vhs[0].Hostname)
	assert.Equal(t, "2", vhs[0].Container.ID)
	assert.Equal(t, ModeEnabled, vhs[0].HTTPSMode)
	assert.Equal(t, "b.com", vhs[1].Hostname)
	assert.Equal(t, "c.com", vhs[2].Hostname)

	assert.Equal(t, defaultPort, vhs[1].Port)
	assert.Equal(t, ModeAuto, vhs[1].HTTPMode)
	assert.Equal(t, defaultProxyType, vhs[1].ProxyType)
	assert.False(t, vhs[1].HasSSLCert)
}

func TestInvalidHostnameIsSkipped(t *testing.T) {
	g, fsys, logs := newTestGenerator(t)
	require.NoError(t, afero.WriteFile(fsys, "/x.conf", []byte("secret"), 0o644))

	conf := generate(t, g,
		web("docker1", map[string]string{"VIRTUAL_HOST": "../x, a.com; return 200, good.example.com"},
			docker.Port{ContainerPort: 80, HostPort: 8000}),
	)

	require.Len(t, servers(conf, "good.example.com"), 1)
	assert.NotContains(t, conf, "return 200")
	assert.NotContains(t, conf, "../x")
	assert.NotContains(t, conf, "/x.conf")
	assert.Contains(t, logs.String(), "Invalid virtual host")
}

func TestGenerateLogsCertificates(t *testing.T) {
	g, _, logs := newTestGenerator(t, "example.com", "other.org")
	g.logger.SetLevel(log.DebugLevel)

	generate(t, g)

	assert.Contains(t, logs.String(), "Loaded certificates")
	assert.Contains(t, logs.String(), "count=2")
}
