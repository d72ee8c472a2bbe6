package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ProjectFile is the import format of a project. It can be written as
// JSON, YAML or TOML.
type ProjectFile struct {
	ID    string    `json:"id" yaml:"id" toml:"id"`
	Name  string    `json:"name" yaml:"name" toml:"name"`
	Email string    `json:"email,omitempty" yaml:"email,omitempty" toml:"email,omitempty"`
	HITs  []HITFile `json:"hits" yaml:"hits" toml:"hits"`
}

type HITFile struct {
	ID        string         `json:"id" yaml:"id" toml:"id"`
	Name      string         `json:"name" yaml:"name" toml:"name"`
	Type      string         `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
	Repeat    int            `json:"repeat,omitempty" yaml:"repeat,omitempty" toml:"repeat,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty" toml:"extra,omitempty"`
	Interface map[string]any `json:"interface,omitempty" yaml:"interface,omitempty" toml:"interface,omitempty"`
	// Nodes are templates shared by every instance of the HIT.
	Nodes []NodeFile `json:"nodes,omitempty" yaml:"nodes,omitempty" toml:"nodes,omitempty"`
	// InstanceNodes are copied into each instance.
	InstanceNodes []NodeFile    `json:"instance_nodes,omitempty" yaml:"instance_nodes,omitempty" toml:"instance_nodes,omitempty"`
	Journeys      []JourneyFile `json:"journeys,omitempty" yaml:"journeys,omitempty" toml:"journeys,omitempty"`
}

type NodeFile struct {
	Name  string         `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Type  string         `json:"type" yaml:"type" toml:"type"`
	Order *int           `json:"order,omitempty" yaml:"order,omitempty" toml:"order,omitempty"`
	Spec  map[string]any `json:"spec,omitempty" yaml:"spec,omitempty" toml:"spec,omitempty"`
}

// JourneyFile lists node names in traversal order.
type JourneyFile struct {
	Nodes []string `json:"nodes" yaml:"nodes" toml:"nodes"`
}

// LoadProjectFile reads a project file, choosing the decoder by extension.
func LoadProjectFile(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	return DecodeProjectFile(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// DecodeProjectFile decodes data in format ("json", "yaml", "yml" or "toml")
// and validates the result.
func DecodeProjectFile(data []byte, format string) (*ProjectFile, error) {
	var pf ProjectFile
	switch strings.ToLower(format) {
	case "json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pf); err != nil {
			return nil, NewInvalidError(fmt.Sprintf("parse JSON: %v", err))
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&pf); err != nil {
			return nil, NewInvalidError(fmt.Sprintf("parse YAML: %v", err))
		}
	case "toml":
		meta, err := toml.Decode(string(data), &pf)
		if err != nil {
			return nil, NewInvalidError(fmt.Sprintf("parse TOML: %v", err))
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, NewInvalidError(fmt.Sprintf("parse TOML: unknown key %s", undecoded[0]))
		}
	default:
		return nil, NewInvalidError("unsupported project file format " + strconv.Quote(format))
	}
	if err := pf.normalize(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// normalize fills defaults and validates names. Unnamed nodes are named
// after their position.
func (pf *ProjectFile) normalize() error {
	pf.ID = strings.TrimSpace(pf.ID)
	if pf.ID == "" {
		return NewInvalidError("project id required")
	}
	if strings.TrimSpace(pf.Name) == "" {
		pf.Name = pf.ID
	}
	hitIDs := map[string]bool{}
	hitNames := map[string]bool{}
	for i := range pf.HITs {
		h := &pf.HITs[i]
		h.ID = strings.TrimSpace(h.ID)
		if h.ID == "" {
			return NewInvalidError(fmt.Sprintf("hit %d: id required", i))
		}
		if h.Name == "" {
			h.Name = h.ID
		}
		if hitIDs[h.ID] || hitNames[h.Name] {
			return NewInvalidError("duplicate hit " + h.ID)
		}
		hitIDs[h.ID], hitNames[h.Name] = true, true
		if h.Repeat <= 0 {
			h.Repeat = 1
		}
		names := map[string]bool{}
		for _, list := range [][]NodeFile{h.Nodes, h.InstanceNodes} {
			for j := range list {
				n := &list[j]
				if n.Name == "" {
					n.Name = strconv.Itoa(j)
				}
				if names[n.Name] {
					return NewInvalidError(fmt.Sprintf("hit %s: duplicate node name %q", h.ID, n.Name))
				}
				names[n.Name] = true
				if n.Order == nil {
					order := j
					n.Order = &order
				}
			}
		}
		for _, jf := range h.Journeys {
			if len(jf.Nodes) == 0 {
				return NewInvalidError(fmt.Sprintf("hit %s: empty journey", h.ID))
			}
			for _, name := range jf.Nodes {
				if !names[name] {
					return NewInvalidError(fmt.Sprintf("hit %s: journey references unknown node %q", h.ID, name))
				}
			}
		}
	}
	return nil
}

// spec returns the stored node spec: Spec with "type" set.
func (n NodeFile) spec() map[string]any {
	out := make(map[string]any, len(n.Spec)+1)
	for k, v := range n.Spec {
		out[k] = v
	}
	if n.Type != "" {
		out["type"] = n.Type
	}
	return out
}
