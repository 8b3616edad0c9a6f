package objecttype

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

//go:embed types.yaml
var defaultData []byte

var allowedMethods = map[string]bool{"GET": true, "PUT": true, "POST": true, "DELETE": true}

// Registry is the fixed table of object types, in file order.
type Registry struct {
	types []Descriptor
	byID  map[string]int
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	reg, err := Load(defaultData)
	if err != nil {
		panic(fmt.Sprintf("objecttype: embedded registry invalid: %v", err))
	}
	return reg
})

// Default returns the registry compiled into the binary.
func Default() *Registry { return defaultRegistry() }

// Load parses and validates a YAML registry document.
func Load(data []byte) (*Registry, error) {
	var types []Descriptor
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("objecttype: parse registry: %w", err)
	}

	reg := &Registry{
		types: make([]Descriptor, 0, len(types)),
		byID:  make(map[string]int, len(types)),
	}
	for _, d := range types {
		if err := prepare(&d); err != nil {
			return nil, err
		}
		if _, dup := reg.byID[d.ID]; dup {
			return nil, fmt.Errorf("objecttype: duplicate type %q", d.ID)
		}
		reg.byID[d.ID] = len(reg.types)
		reg.types = append(reg.types, d)
	}

	for _, d := range reg.types {
		for _, p := range d.Parents {
			if _, ok := reg.byID[p]; !ok {
				return nil, fmt.Errorf("objecttype: %s: unknown parent type %q", d.ID, p)
			}
		}
	}
	return reg, nil
}

func prepare(d *Descriptor) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("objecttype: type without id")
	}
	if d.DisplayName == "" {
		d.DisplayName = d.ID
	}
	if d.IDPattern == "" {
		d.IDPattern = ".*"
	}
	re, err := regexp.Compile(d.IDPattern)
	if err != nil {
		return fmt.Errorf("objecttype: %s: id pattern: %w", d.ID, err)
	}
	d.idRe = re

	if d.HasURL() && d.URLExtractor == nil {
		return fmt.Errorf("objecttype: %s: url template without extractor", d.ID)
	}
	if d.RequiresParentForURL() && len(d.Parents) == 0 {
		return fmt.Errorf("objecttype: %s: url template needs {parent} but no parents declared", d.ID)
	}
	if d.API != nil {
		d.API.Method = strings.ToUpper(d.API.Method)
		if !allowedMethods[d.API.Method] {
			return fmt.Errorf("objecttype: %s: unsupported api method %q", d.ID, d.API.Method)
		}
		if d.API.Endpoint == "" {
			return fmt.Errorf("objecttype: %s: api without endpoint", d.ID)
		}
		if d.RequiresParentForAPI() && len(d.Parents) == 0 {
			return fmt.Errorf("objecttype: %s: api needs {parent} but no parents declared", d.ID)
		}
	}
	if d.ParentLookup != nil {
		d.ParentLookup.Method = strings.ToUpper(d.ParentLookup.Method)
		if !allowedMethods[d.ParentLookup.Method] {
			return fmt.Errorf("objecttype: %s: unsupported parent lookup method %q", d.ID, d.ParentLookup.Method)
		}
		if len(d.Parents) == 0 {
			return fmt.Errorf("objecttype: %s: parent lookup without parents", d.ID)
		}
	}
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.types[i], true
}

// Get is Lookup with an ErrUnknownType error on a miss.
func (r *Registry) Get(id string) (Descriptor, error) {
	d, ok := r.Lookup(id)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownType, id)
	}
	return d, nil
}

// Index is the registry position of id, or -1.
func (r *Registry) Index(id string) int {
	i, ok := r.byID[id]
	if !ok {
		return -1
	}
	return i
}

func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.types))
	copy(out, r.types)
	return out
}

func (r *Registry) Navigable() []Descriptor {
	return lo.Filter(r.types, func(d Descriptor, _ int) bool { return d.HasURL() })
}

func (r *Registry) APITypes() []Descriptor {
	return lo.Filter(r.types, func(d Descriptor, _ int) bool { return d.HasAPI() })
}
