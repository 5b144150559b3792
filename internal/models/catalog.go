package models

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"chatguard.org/internal/auth"
)

// Catalog is a static Router. Tenants without an allow-list may use every model.
type Catalog struct {
	models []Model
	byID   map[string]Model
	allow  map[string]map[string]struct{}
}

// NewCatalog builds a catalog; allow maps tenant id to permitted model ids.
func NewCatalog(models []Model, allow map[string][]string) *Catalog {
	c := &Catalog{
		models: make([]Model, 0, len(models)),
		byID:   make(map[string]Model, len(models)),
		allow:  make(map[string]map[string]struct{}, len(allow)),
	}
	for _, m := range models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			continue
		}
		if _, dup := c.byID[m.ID]; dup {
			continue
		}
		c.models = append(c.models, m)
		c.byID[m.ID] = m
	}
	for tenant, ids := range allow {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[strings.TrimSpace(id)] = struct{}{}
		}
		c.allow[tenant] = set
	}
	return c
}

// Models returns the catalog in declaration order.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) allowed(tenantID, modelID string) bool {
	if _, ok := c.byID[modelID]; !ok {
		return false
	}
	set, restricted := c.allow[tenantID]
	if !restricted {
		return true
	}
	_, ok := set[modelID]
	return ok
}

// SelectModel returns the first allowed model meeting req, preferring free ones
// when asked.
func (c *Catalog) SelectModel(_ context.Context, ac auth.AuthContext, req Requirements) (Model, bool, error) {
	var fallback *Model
	for i := range c.models {
		m := &c.models[i]
		if !c.allowed(ac.TenantID(), m.ID) || !m.Capabilities.Satisfies(req.Capabilities) {
			continue
		}
		if req.MinContext > 0 && m.ContextWindow > 0 && m.ContextWindow < req.MinContext {
			continue
		}
		if !req.PreferFree || m.Free {
			return *m, true, nil
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback != nil {
		return *fallback, true, nil
	}
	return Model{}, false, nil
}

// IsModelAllowed reports whether the tenant may use modelID.
func (c *Catalog) IsModelAllowed(_ context.Context, ac auth.AuthContext, modelID string) (bool, error) {
	return c.allowed(ac.TenantID(), strings.TrimSpace(modelID)), nil
}

type catalogFile struct {
	Models  []Model `yaml:"models"`
	Tenants map[string]struct {
		Allow []string `yaml:"allow"`
	} `yaml:"tenants"`
}

// LoadCatalog reads a YAML catalog:
//
//	models:
//	  - id: gpt-4o-mini
//	    provider: openai
//	    free: false
//	    capabilities: {tool_call: true}
//	tenants:
//	  t1:
//	    allow: [gpt-4o-mini]
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model catalog has no models")
	}
	allow := make(map[string][]string, len(f.Tenants))
	for tenant, t := range f.Tenants {
		allow[tenant] = t.Allow
	}
	return NewCatalog(f.Models, allow), nil
}
