// Package entitymodel exposes the OpenAPI contract of the HTTP API.
package entitymodel

import (
	_ "embed"
	"net/http"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns a copy of the embedded OpenAPI YAML.
func OpenAPISpec() []byte {
	return append([]byte(nil), openAPISpec...)
}

// NewOpenAPIHandler serves the embedded OpenAPI YAML.
func NewOpenAPIHandler() http.Handler {
	spec := OpenAPISpec()
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(spec)
	})
}
