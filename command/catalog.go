package command

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogSource []byte

// CatalogLoadError describes a single malformed catalog record. The record is skipped, the rest of the catalog
// still loads.
type CatalogLoadError struct {
	Index int    // position of the record in its source
	Name  string // the record name, if it could be read
	Err   error
}

func (e *CatalogLoadError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("catalog record %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("catalog record %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *CatalogLoadError) Unwrap() error {
	return e.Err
}

// Catalog is the immutable, ordered set of commands known to the inverter.
// It is safe to share a Catalog between any number of devices and goroutines.
type Catalog struct {
	descriptors []*Descriptor
	rejected    []*CatalogLoadError
}

// record is the on-disk representation of one command, as found in the catalog source.
type record struct {
	Name          string          `mapstructure:"name"`
	Description   string          `mapstructure:"description"`
	Type          string          `mapstructure:"type"`
	Response      [][]interface{} `mapstructure:"response"`
	TestResponses []string        `mapstructure:"test_responses"`
	Regex         string          `mapstructure:"regex"`
	ResponseRegex string          `mapstructure:"response_regex"`
	Help          string          `mapstructure:"help"`
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	catalog, err := Parse(defaultCatalogSource)
	if err != nil {
		panic(fmt.Sprintf("embedded command catalog: %v", err))
	}
	return catalog
})

// Default returns the embedded PI30 command catalog. It is parsed once and shared.
func Default() *Catalog {
	return defaultCatalog()
}

// Parse reads a YAML (or JSON) list of command records. Malformed records are logged and skipped, only a
// source that cannot be read as a list at all is an error.
func Parse(data []byte) (*Catalog, error) {
	var raw []interface{}
	err := yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}

	catalog := &Catalog{}
	for i, item := range raw {
		rec, ok := item.(map[string]interface{})
		if !ok {
			catalog.reject(&CatalogLoadError{Index: i, Err: fmt.Errorf("record is %T, not a mapping", item)})
			continue
		}
		catalog.add(i, rec)
	}
	return catalog, nil
}

// LoadFile reads a catalog from a single YAML or JSON file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// LoadDir reads a catalog from a directory holding one command record per *.json / *.yaml file.
// Files are loaded in name order.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			if !entry.IsDir() {
				files = append(files, entry.Name())
			}
		}
	}
	sort.Strings(files)

	catalog := &Catalog{}
	for i, name := range files {
		path := filepath.Join(dir, name)
		slog.Debug("Loading command information", "file", path)

		data, err := os.ReadFile(path)
		if err != nil {
			catalog.reject(&CatalogLoadError{Index: i, Name: name, Err: err})
			continue
		}
		var rec map[string]interface{}
		err = yaml.Unmarshal(data, &rec)
		if err != nil {
			catalog.reject(&CatalogLoadError{Index: i, Name: name, Err: fmt.Errorf("unmarshal: %w", err)})
			continue
		}
		catalog.add(i, rec)
	}
	return catalog, nil
}

// All returns the descriptors in source order. The returned slice must not be modified.
func (c *Catalog) All() []*Descriptor {
	return c.descriptors
}

func (c *Catalog) Len() int {
	return len(c.descriptors)
}

// Rejected returns the records that were skipped while loading.
func (c *Catalog) Rejected() []*CatalogLoadError {
	return c.rejected
}

func (c *Catalog) add(index int, raw map[string]interface{}) {
	descriptor, err := newDescriptor(raw)
	if err != nil {
		name, _ := raw["name"].(string)
		c.reject(&CatalogLoadError{Index: index, Name: name, Err: err})
		return
	}
	c.descriptors = append(c.descriptors, descriptor)
}

func (c *Catalog) reject(err *CatalogLoadError) {
	slog.Warn("Skipping malformed command record", "error", err)
	c.rejected = append(c.rejected, err)
}

func newDescriptor(raw map[string]interface{}) (*Descriptor, error) {
	if raw == nil {
		return nil, errors.New("empty record")
	}

	var rec record
	err := mapstructure.Decode(raw, &rec)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if strings.TrimSpace(rec.Name) == "" {
		return nil, errors.New("missing name")
	}

	kind, err := parseKind(rec.Type)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Name:          rec.Name,
		Description:   rec.Description,
		Help:          rec.Help,
		Kind:          kind,
		TestResponses: rec.TestResponses,
	}

	if rec.Regex != "" {
		d.Pattern, err = compileAnchored(rec.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile regex: %w", err)
		}
	}
	if rec.ResponseRegex != "" {
		d.ResponsePattern, err = regexp.Compile(rec.ResponseRegex)
		if err != nil {
			return nil, fmt.Errorf("compile response regex: %w", err)
		}
	}

	for i, entry := range rec.Response {
		spec, err := newFieldSpec(entry)
		if err != nil {
			return nil, fmt.Errorf("response entry %d: %w", i, err)
		}
		d.Schema = append(d.Schema, spec)
	}

	return d, nil
}

// compileAnchored compiles a command pattern so that it only matches from the start of the request.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")"
	}
	return regexp.Compile(pattern)
}

// newFieldSpec builds a FieldSpec from a `[type, name, unit|options]` schema entry.
func newFieldSpec(entry []interface{}) (FieldSpec, error) {
	if len(entry) < 2 {
		return FieldSpec{}, fmt.Errorf("expected [type, name, ...], got %d elements", len(entry))
	}
	typeName, ok := entry[0].(string)
	if !ok {
		return FieldSpec{}, fmt.Errorf("field type is %T, not a string", entry[0])
	}
	name, ok := entry[1].(string)
	if !ok || name == "" {
		return FieldSpec{}, errors.New("field name must be a non-empty string")
	}

	spec := FieldSpec{Type: FieldType(strings.ToLower(typeName)), Name: name}

	if len(entry) > 2 && entry[2] != nil {
		switch extra := entry[2].(type) {
		case string:
			spec.Unit = extra
		case []interface{}:
			for _, opt := range extra {
				spec.Options = append(spec.Options, fmt.Sprint(opt))
			}
		case map[string]interface{}:
			spec.OptionsMap = make(map[string]string, len(extra))
			for k, v := range extra {
				spec.OptionsMap[k] = fmt.Sprint(v)
			}
		default:
			return FieldSpec{}, fmt.Errorf("field '%s': unsupported unit/options %T", name, extra)
		}
	}

	switch spec.Type {
	case FieldFloat, FieldInt, FieldString:
	case FieldOption:
		if spec.Options == nil && spec.OptionsMap == nil {
			return FieldSpec{}, fmt.Errorf("option field '%s' has no options", name)
		}
	case FieldFlags:
		if spec.Options == nil {
			return FieldSpec{}, fmt.Errorf("flags field '%s' has no flag names", name)
		}
	case FieldEnFlags:
		if spec.OptionsMap == nil {
			return FieldSpec{}, fmt.Errorf("enflags field '%s' has no flag letters", name)
		}
	case FieldAck:
		if spec.OptionsMap == nil {
			spec.OptionsMap = map[string]string{"ACK": "Successful", "NAK": "Failed"}
		}
	default:
		return FieldSpec{}, fmt.Errorf("field '%s': unknown type '%s'", name, typeName)
	}

	return spec, nil
}
