package proxy

import (
	"bytes"
	"fmt"

	"github.com/abcdlsj/dockgen/pkg/cert"
)

const header = `# If we receive X-Forwarded-Proto, pass it through; otherwise, pass along the
# scheme used to connect to this server
map $http_x_forwarded_proto $proxy_x_forwarded_proto {
  default $http_x_forwarded_proto;
  ''      $scheme;
}
# If we receive Upgrade, set Connection to "upgrade"; otherwise, delete any
# Connection header that may have been passed to this server
map $http_upgrade $proxy_connection {
  default upgrade;
  '' close;
}
gzip_types text/plain text/css application/javascript application/json application/x-javascript text/xml application/xml application/xml+rss text/javascript;
# HTTP 1.1 support
proxy_http_version 1.1;
proxy_buffering off;
proxy_set_header Host $http_host;
proxy_set_header Upgrade $http_upgrade;
proxy_set_header Connection $proxy_connection;
proxy_set_header X-Real-IP $remote_addr;
proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
proxy_set_header X-Forwarded-Proto $proxy_x_forwarded_proto;
`

const tlsSettings = `  ssl_protocols TLSv1.2 TLSv1.3;
  ssl_ciphers ECDHE-ECDSA-AES128-GCM-SHA256:ECDHE-RSA-AES128-GCM-SHA256:ECDHE-ECDSA-AES256-GCM-SHA384:ECDHE-RSA-AES256-GCM-SHA384:ECDHE-ECDSA-CHACHA20-POLY1305:ECDHE-RSA-CHACHA20-POLY1305;
  ssl_prefer_server_ciphers on;
  ssl_session_timeout 5m;
  ssl_session_cache shared:SSL:50m;
`

// writeHeader emits the shared proxy settings and the catch-all servers.
// "_" never matches a real hostname, so unknown hosts get a 404 instead of
// falling through to the first configured server.
func writeHeader(buf *bytes.Buffer, certs *cert.Set) {
	buf.WriteString(header)

	buf.WriteString("server {\n")
	buf.WriteString("  listen 80 default_server;\n")
	buf.WriteString("  server_name _;\n")
	buf.WriteString("  return 404;\n")
	buf.WriteString("}\n")

	fallback := certs.Fallback()
	if fallback == "" {
		return
	}

	buf.WriteString("server {\n")
	buf.WriteString("  listen 443 ssl http2 default_server;\n")
	buf.WriteString("  server_name _;\n")
	writeTLS(buf, certs, fallback)
	buf.WriteString("  return 404;\n")
	buf.WriteString("}\n")
}

func writeTLS(buf *bytes.Buffer, certs *cert.Set, name string) {
	buf.WriteString(tlsSettings)
	fmt.Fprintf(buf, "  ssl_certificate %s;\n", certs.CertPath(name))
	fmt.Fprintf(buf, "  ssl_certificate_key %s;\n", certs.KeyPath(name))
}

// segment is a single nginx server block for one hostname.
type segment struct {
	hostname string
	cert     string // TLS server when set
	redirect bool   // plain server redirecting to https
	target   string
	include  string
}

func (s segment) write(buf *bytes.Buffer, certs *cert.Set) {
	buf.WriteString("server {\n")
	if s.cert == "" {
		buf.WriteString("  listen 80;\n")
	} else {
		buf.WriteString("  listen 443 ssl http2;\n")
		writeTLS(buf, certs, s.cert)
	}
	fmt.Fprintf(buf, "  server_name %s;\n", s.hostname)

	if s.redirect {
		buf.WriteString("  return 301 https://$host$request_uri;\n")
	} else {
		if s.include != "" {
			fmt.Fprintf(buf, "  include %s;\n", s.include)
		}
		buf.WriteString("  location / {\n")
		fmt.Fprintf(buf, "    proxy_pass %s;\n", s.target)
		buf.WriteString("  }\n")
	}
	buf.WriteString("}\n")
}
