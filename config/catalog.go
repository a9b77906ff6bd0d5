package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

const (
	LayoutYOLOv5 = "yolov5"
	LayoutYOLOv8 = "yolov8"

	defaultInputSize = 640
)

// ModelSpec describes where a model artifact lives and how its output is laid out.
type ModelSpec struct {
	Name string `yaml:"name"`
	// File is the artifact name inside the models directory.
	File string `yaml:"file"`
	// Source is an http(s):// or azblob://container/blob location the
	// artifact is fetched from when it is missing locally.
	Source string `yaml:"source,omitempty"`
	// Labels is an optional class table file; empty means COCO.
	Labels    string `yaml:"labels,omitempty"`
	InputSize int    `yaml:"input_size"`
	Layout    string `yaml:"layout"`
}

type Catalog struct {
	Models []ModelSpec `yaml:"models"`

	byName map[string]ModelSpec
}

// DefaultCatalog returns the embedded catalog of stock YOLO models.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded model catalog is invalid: %v", err))
	}
	return c
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("model catalog has no models")
	}

	c.byName = make(map[string]ModelSpec, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			return nil, fmt.Errorf("model catalog entry %d has no name", i)
		}
		if _, dup := c.byName[m.Name]; dup {
			return nil, fmt.Errorf("model %q listed twice in catalog", m.Name)
		}
		if m.File == "" {
			m.File = m.Name + ".onnx"
		}
		if m.InputSize == 0 {
			m.InputSize = defaultInputSize
		}
		if m.InputSize < 32 || m.InputSize%32 != 0 {
			return nil, fmt.Errorf("model %q: input_size must be a positive multiple of 32 (got %d)", m.Name, m.InputSize)
		}
		if m.Layout == "" {
			m.Layout = LayoutYOLOv5
		}
		if m.Layout != LayoutYOLOv5 && m.Layout != LayoutYOLOv8 {
			return nil, fmt.Errorf("model %q: unsupported layout %q", m.Name, m.Layout)
		}
		c.byName[m.Name] = *m
	}
	return &c, nil
}

func (c *Catalog) Lookup(name string) (ModelSpec, bool) {
	m, ok := c.byName[name]
	return m, ok
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
