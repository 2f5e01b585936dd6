// Package bundle defines the immutable extension artifact model: the
// manifest an author publishes, the versioned registry records that point
// at it, and the wire shapes exchanged between the gateway and the
// execution engine.
package bundle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest describes a published extension bundle. It is part of the
// signed artifact and never changes after publish.
type Manifest struct {
	Name         string     `json:"name"`
	Publisher    string     `json:"publisher"`
	Version      string     `json:"version"`
	Description  string     `json:"description,omitempty"`
	Entrypoint   string     `json:"entrypoint"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Endpoints    []Endpoint `json:"endpoints"`
	SizeBytes    int64      `json:"size_bytes,omitempty"`
}

// Endpoint is one row of the manifest's declared endpoint table. The
// gateway only forwards requests that match a declared endpoint.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Matches reports whether an inbound method+path hits this endpoint.
// A trailing "/*" on the declared path matches any suffix.
func (e Endpoint) Matches(method, path string) bool {
	if !strings.EqualFold(e.Method, method) {
		return false
	}
	if strings.HasSuffix(e.Path, "/*") {
		prefix := strings.TrimSuffix(e.Path, "*")
		return strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/")
	}
	return e.Path == path
}

// Route returns the matching endpoint for a request, if any.
func (m *Manifest) Route(method, path string) (Endpoint, bool) {
	for _, ep := range m.Endpoints {
		if ep.Matches(method, path) {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// DeclaresCapability reports whether the manifest declares the named
// capability. Grants outside this set are invalid by construction.
func (m *Manifest) DeclaresCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "publisher", "version", "entrypoint", "endpoints"],
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]{1,62}$"},
    "publisher": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "entrypoint": {"type": "string", "minLength": 1},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "endpoints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["method", "path"],
        "properties": {
          "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
          "path": {"type": "string", "pattern": "^/"}
        }
      }
    },
    "size_bytes": {"type": "integer", "minimum": 0}
  }
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchema)

// ParseManifest decodes and validates manifest JSON. The schema check
// runs before semver parsing so authors get structural errors first.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("bundle: manifest is not valid JSON: %w", err)
	}
	if err := compiledManifestSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("bundle: manifest schema violation: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bundle: manifest decode: %w", err)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, fmt.Errorf("bundle: manifest version %q is not semver: %w", m.Version, err)
	}
	return &m, nil
}

// CompareVersions orders two semver strings. Returns a negative value
// when a < b, zero when equal, positive when a > b.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("bundle: version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("bundle: version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}
