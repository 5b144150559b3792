package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile reads policies from a YAML document of the form:
//
//	policies:
//	  - id: allow-create
//	    tenant: t1
//	    resource: chat
//	    action: create
//	    effect: allow
//	    priority: 10
//	    enabled: true
//	    conditions:
//	      - kind: role_in
//	        values: [member]
func LoadFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML policy document.
func Parse(raw []byte) ([]Policy, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	for i, p := range doc.Policies {
		if !p.Valid() {
			return nil, fmt.Errorf("policy %d (%q): tenant, resource, action and a valid effect are required", i, p.ID)
		}
	}
	return doc.Policies, nil
}

// FileLoader adapts a YAML file to the Loader interface.
type FileLoader string

// LoadPolicies implements Loader.
func (f FileLoader) LoadPolicies(context.Context) ([]Policy, error) {
	return LoadFile(string(f))
}
