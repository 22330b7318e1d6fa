package manifest

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Filename is the manifest entry expected inside a release archive.
const Filename = "deploy.yaml"

type OutputMode string

const (
	// Static output: the archive holds only files to serve.
	OutputStatic OutputMode = "static"
	// Standalone output: the archive holds a runnable server process.
	OutputStandalone OutputMode = "standalone"
)

var ErrInvalidManifest = errors.New("invalid release manifest")

// Manifest describes a release: what output mode it was built in, which
// files prove a complete deployment, and how to run and probe it in
// standalone mode. Hosting-level settings (trailing slash, image
// optimization, client cache rules) are carried through as data for the
// serving layer.
type Manifest struct {
	Name        string     `yaml:"name"`
	Output      OutputMode `yaml:"output"`
	Markers     []string   `yaml:"markers"`
	Executables []string   `yaml:"executables,omitempty"`

	Start  *StartSpec  `yaml:"start,omitempty"`
	Health *HealthSpec `yaml:"health,omitempty"`

	TrailingSlash     bool        `yaml:"trailing_slash,omitempty"`
	UnoptimizedImages bool        `yaml:"unoptimized_images,omitempty"`
	Cache             []CacheRule `yaml:"cache,omitempty"`
}

type StartSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

type HealthSpec struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// CacheRule is a client caching policy entry, matched against request
// paths by the hosting layer.
type CacheRule struct {
	Pattern string `yaml:"pattern"`
	MaxAge  int    `yaml:"max_age"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	m := Manifest{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns the manifest assumed for archives that carry none:
// a static site proven complete by an index.html at its root.
func Default() *Manifest {
	return &Manifest{
		Output:  OutputStatic,
		Markers: []string{"index.html"},
	}
}

func (m *Manifest) validate() error {
	switch m.Output {
	case OutputStatic, OutputStandalone:
	case "":
		m.Output = OutputStatic
	default:
		return fmt.Errorf("%w: unknown output mode %q", ErrInvalidManifest, m.Output)
	}

	if len(m.Markers) == 0 {
		m.Markers = []string{"index.html"}
	}

	if m.Output == OutputStandalone {
		if m.Start == nil || m.Start.Command == "" {
			return fmt.Errorf("%w: standalone output requires a start command", ErrInvalidManifest)
		}
		if m.Health != nil && (m.Health.Port <= 0 || m.Health.Port > 65535) {
			return fmt.Errorf("%w: health port out of range: %d", ErrInvalidManifest, m.Health.Port)
		}
	}

	for _, rule := range m.Cache {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("%w: bad cache pattern %q: %v", ErrInvalidManifest, rule.Pattern, err)
		}
		if rule.MaxAge < 0 {
			return fmt.Errorf("%w: negative cache max_age for %q", ErrInvalidManifest, rule.Pattern)
		}
	}

	return nil
}

// HealthURL returns the local probe URL, or empty when the release
// declares no health endpoint.
func (m *Manifest) HealthURL() string {
	if m.Health == nil {
		return ""
	}
	path := m.Health.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", m.Health.Port, path)
}

func (m *Manifest) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", m.Name)
	e.Str("output", string(m.Output))
	e.Strs("markers", m.Markers)
	if m.Start != nil {
		e.Str("start_command", m.Start.Command)
	}
	if m.Health != nil {
		e.Str("health_url", m.HealthURL())
	}
}
