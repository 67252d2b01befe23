package consolidate

import (
	_ "embed"
	"os"
	"sort"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/errors"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the set of gold-table schemas the pipeline can publish.
type Catalog struct {
	Tables []TableSchema `yaml:"tables"`

	byName map[string]*TableSchema
}

// DefaultCatalog returns the built-in catalog covering the CVM, SND and B3
// tables.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a catalog from a YAML file, for deployments that extend
// or replace the built-in tables.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading catalog file").
			WithDetail("path", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML. ${VAR} references are
// substituted from the environment before decoding, so deployment-specific
// catalogs can parameterize descriptions and paths.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := config.ParseYAML(data, &c); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid catalog YAML")
	}
	if len(c.Tables) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "catalog declares no tables")
	}

	c.byName = make(map[string]*TableSchema, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "catalog declares table %s twice", t.Name)
		}
		c.byName[t.Name] = t
	}
	return &c, nil
}

// Table returns the schema for the named table.
func (c *Catalog) Table(name string) (*TableSchema, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns the catalog's table names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
