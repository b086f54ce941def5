package cert

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/afero"
)

const (
	certExt = ".crt"
	keyExt  = ".key"

	// Certificates expiring within this window are reported on every scan.
	renewalThreshold = 30 * 24 * time.Hour
)

// Set is the inventory of named certificates found in a directory. A
// certificate's name is its file name without the .crt extension.
type Set struct {
	dir   string
	names []string
	files map[string]string // name -> certificate file name
}

// Scan lists the certificates in dir. An empty dir or a directory that does
// not exist yields an empty set.
func Scan(fsys afero.Fs, dir string) (*Set, error) {
	s := &Set{dir: dir, files: map[string]string{}}
	if dir == "" {
		return s, nil
	}

	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("Certificate directory does not exist", "dir", dir)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read certificate directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), certExt) {
			continue
		}
		name = name[:len(name)-len(certExt)]
		if _, ok := s.files[name]; ok {
			continue
		}
		s.files[name] = e.Name()
		s.names = append(s.names, name)
		checkExpiry(fsys, filepath.Join(dir, e.Name()), name)
	}

	sort.Strings(s.names)
	return s, nil
}

// checkExpiry warns about expired or soon-to-expire certificates. It never
// affects which certificates are in the set.
func checkExpiry(fsys afero.Fs, path, name string) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		log.Warn("Failed to read certificate file", "cert", name, "err", err)
		return
	}

	x509Cert, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		log.Debug("Certificate is not a parseable PEM file", "cert", name, "err", err)
		return
	}

	switch remaining := time.Until(x509Cert.NotAfter); {
	case remaining <= 0:
		log.Warn("Certificate has expired", "cert", name, "expiry", x509Cert.NotAfter)
	case remaining < renewalThreshold:
		log.Warn("Certificate expires soon", "cert", name, "expiry", x509Cert.NotAfter)
	}
}

// Names returns the certificate names in sorted order.
func (s *Set) Names() []string {
	return s.names
}

// Len returns the number of certificates.
func (s *Set) Len() int {
	return len(s.names)
}

// Has reports whether a certificate with the given name exists.
func (s *Set) Has(name string) bool {
	_, ok := s.files[name]
	return ok
}

// Fallback returns the certificate used for the catch-all TLS server, or ""
// when the set is empty.
func (s *Set) Fallback() string {
	if len(s.names) == 0 {
		return ""
	}
	return s.names[0]
}

// Match returns the certificate whose name is the longest suffix of
// hostname. Names are visited in sorted order and only a strictly longer
// match replaces the current one.
func (s *Set) Match(hostname string) (string, bool) {
	best := ""
	for _, name := range s.names {
		if strings.HasSuffix(hostname, name) && len(name) > len(best) {
			best = name
		}
	}
	return best, best != ""
}

// CertPath returns the certificate file path for name.
func (s *Set) CertPath(name string) string {
	if f, ok := s.files[name]; ok {
		return filepath.Join(s.dir, f)
	}
	return filepath.Join(s.dir, name+certExt)
}

// KeyPath returns the private key file path for name.
func (s *Set) KeyPath(name string) string {
	return filepath.Join(s.dir, name+keyExt)
}
