// Package template renders configuration files from Go text/template
// sources. Templates see the process environment as .Env and the current
// container inventory as .Containers, plus the sprig function library.
package template

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/abcdlsj/dockgen/pkg/docker"
	"github.com/spf13/afero"
)

// Data is the model every template is executed with.
type Data struct {
	Env        map[string]string
	Containers []docker.Container
}

// Generator renders one source/destination pair. A directory source is
// walked recursively and mirrored below the destination directory.
type Generator struct {
	source      string
	destination string
	fs          afero.Fs
	environ     func() []string
}

// Option configures a Generator.
type Option func(*Generator)

// WithFs sets the filesystem templates are read from.
func WithFs(fs afero.Fs) Option {
	return func(g *Generator) { g.fs = fs }
}

// WithEnviron replaces os.Environ as the source of .Env.
func WithEnviron(environ func() []string) Option {
	return func(g *Generator) { g.environ = environ }
}

// New creates a generator rendering source into destination.
func New(source, destination string, opts ...Option) *Generator {
	g := &Generator{
		source:      source,
		destination: destination,
		fs:          afero.NewOsFs(),
		environ:     os.Environ,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name identifies the generator in logs.
func (g *Generator) Name() string {
	return "template:" + g.source
}

// Source returns the template path, used to watch it for changes.
func (g *Generator) Source() string {
	return g.source
}

// Generate renders every template under the source.
func (g *Generator) Generate(state *docker.State) (map[string][]byte, error) {
	data := Data{Env: g.env(), Containers: state.Containers}

	fi, err := g.fs.Stat(g.source)
	if err != nil {
		return nil, fmt.Errorf("template source %s: %w", g.source, err)
	}

	if !fi.IsDir() {
		out, err := g.render(g.source, data)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{g.destination: out}, nil
	}

	result := map[string][]byte{}
	err = afero.Walk(g.fs, g.source, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(g.source, path)
		if err != nil {
			return err
		}

		out, err := g.render(path, data)
		if err != nil {
			return err
		}
		result[filepath.Join(g.destination, rel)] = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (g *Generator) render(path string, data Data) ([]byte, error) {
	text, err := afero.ReadFile(g.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	tmpl, err := template.New(filepath.Base(path)).
		Funcs(sprig.TxtFuncMap()).
		Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) env() map[string]string {
	env := map[string]string{}
	for _, kv := range g.environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}
