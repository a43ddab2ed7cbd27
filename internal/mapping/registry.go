package mapping

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Registry holds the loaded descriptors keyed by vendor name.
type Registry struct {
	vendors map[string]*VendorFieldMapping
}

// NewRegistry builds a registry from descriptors, rejecting duplicate vendors.
func NewRegistry(mappings ...*VendorFieldMapping) (*Registry, error) {
	r := &Registry{vendors: make(map[string]*VendorFieldMapping, len(mappings))}
	for _, m := range mappings {
		key := strings.ToLower(m.Vendor)
		if _, dup := r.vendors[key]; dup {
			return nil, eris.Errorf("mapping: duplicate vendor %q", m.Vendor)
		}
		r.vendors[key] = m
	}
	return r, nil
}

// LoadDir loads every *.yaml / *.yml descriptor in dir.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read dir %s", dir)
	}

	var mappings []*VendorFieldMapping
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if len(mappings) == 0 {
		return nil, eris.Errorf("mapping: no descriptors found in %s", dir)
	}
	return NewRegistry(mappings...)
}

// Get returns the descriptor of a vendor.
func (r *Registry) Get(vendor string) (*VendorFieldMapping, error) {
	m, ok := r.vendors[strings.ToLower(vendor)]
	if !ok {
		return nil, eris.Errorf("mapping: unknown vendor %q", vendor)
	}
	return m, nil
}

// Vendors returns the registered vendor names, sorted.
func (r *Registry) Vendors() []string {
	out := make([]string, 0, len(r.vendors))
	for _, m := range r.vendors {
		out = append(out, m.Vendor)
	}
	sort.Strings(out)
	return out
}

// Detect resolves the vendor of a file from its name using each descriptor's
// file patterns. Vendors are checked in name order so detection is stable.
func (r *Registry) Detect(fileName string) (*VendorFieldMapping, bool) {
	base := strings.ToLower(filepath.Base(fileName))
	for _, name := range r.Vendors() {
		m := r.vendors[strings.ToLower(name)]
		for _, p := range m.FilePatterns {
			if p != "" && strings.Contains(base, strings.ToLower(p)) {
				return m, true
			}
		}
	}
	return nil, false
}
