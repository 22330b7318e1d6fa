package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stupid-simple/deploy/manifest"
)

func TestParse_Static(t *testing.T) {
	m, err := manifest.Parse([]byte(`
name: katelyatv
output: static
markers:
  - index.html
  - 404.html
trailing_slash: true
unoptimized_images: true
cache:
  - pattern: "^/_next/static/.*"
    max_age: 31536000
`))
	require.NoError(t, err)
	assert.Equal(t, manifest.OutputStatic, m.Output)
	assert.Equal(t, []string{"index.html", "404.html"}, m.Markers)
	assert.True(t, m.TrailingSlash)
	assert.Empty(t, m.HealthURL())
}

func TestParse_Standalone(t *testing.T) {
	m, err := manifest.Parse([]byte(`
name: katelyatv
output: standalone
markers:
  - server.js
  - public/index.html
executables:
  - server.js
start:
  command: node
  args: [server.js]
  env:
    PORT: "3000"
health:
  port: 3000
  path: /api/health
`))
	require.NoError(t, err)
	assert.Equal(t, manifest.OutputStandalone, m.Output)
	assert.Equal(t, "node", m.Start.Command)
	assert.Equal(t, "http://127.0.0.1:3000/api/health", m.HealthURL())
}

func TestParse_DefaultsOutputAndMarkers(t *testing.T) {
	m, err := manifest.Parse([]byte(`name: site`))
	require.NoError(t, err)
	assert.Equal(t, manifest.OutputStatic, m.Output)
	assert.Equal(t, []string{"index.html"}, m.Markers)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown output", "output: hybrid"},
		{"standalone without start", "output: standalone"},
		{"bad health port", "output: standalone\nstart:\n  command: node\nhealth:\n  port: 99999"},
		{"bad cache pattern", "cache:\n  - pattern: '['\n    max_age: 60"},
		{"negative max_age", "cache:\n  - pattern: '.*'\n    max_age: -1"},
		{"not yaml", ": ::"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := manifest.Parse([]byte(tc.doc))
			assert.ErrorIs(t, err, manifest.ErrInvalidManifest)
		})
	}
}

func TestDefault(t *testing.T) {
	m := manifest.Default()
	assert.Equal(t, manifest.OutputStatic, m.Output)
	assert.Equal(t, []string{"index.html"}, m.Markers)
}
