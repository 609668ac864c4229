package entitymodel

import (
	"sync"

	"gopkg.in/yaml.v3"
)

type specDoc struct {
	Info struct {
		Title   string `yaml:"title"`
		Version string `yaml:"version"`
	} `yaml:"info"`
	Components struct {
		Schemas struct {
			Model struct {
				Enum []string `yaml:"enum"`
			} `yaml:"Model"`
		} `yaml:"schemas"`
	} `yaml:"components"`
}

var (
	docOnce sync.Once
	doc     specDoc
	docErr  error
)

func load() (specDoc, error) {
	docOnce.Do(func() {
		docErr = yaml.Unmarshal(openAPISpec, &doc)
	})
	return doc, docErr
}

// Version returns the API contract version declared in the OpenAPI info block.
func Version() string {
	d, err := load()
	if err != nil {
		return ""
	}
	return d.Info.Version
}

// Models lists the record types the API accepts as a field-mutation target.
func Models() ([]string, error) {
	d, err := load()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.Components.Schemas.Model.Enum...), nil
}
