package services

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/credential-registry/registry-api/models"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// MetadataValidator validates credential metadata against the JSON schema of its document type.
// Each schema is compiled once and reused.
type MetadataValidator struct {
	cache map[models.DocumentType]*gojsonschema.Schema
	mutex sync.RWMutex
}

func NewMetadataValidator() *MetadataValidator {
	return &MetadataValidator{cache: make(map[models.DocumentType]*gojsonschema.Schema)}
}

func (v *MetadataValidator) get(dt models.DocumentType) (*gojsonschema.Schema, error) {
	v.mutex.RLock()
	schema, ok := v.cache[dt]
	v.mutex.RUnlock()
	if ok {
		return schema, nil
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()
	if schema, ok := v.cache[dt]; ok {
		return schema, nil
	}

	raw, err := schemaFS.ReadFile("schemas/" + strings.ToLower(string(dt)) + ".json")
	if err != nil {
		return nil, fmt.Errorf("no metadata schema for %s: %w", dt, err)
	}
	schema, err = gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile metadata schema for %s: %w", dt, err)
	}
	v.cache[dt] = schema
	return schema, nil
}

// Validate returns a ValidationError describing every violation, or nil.
func (v *MetadataValidator) Validate(dt models.DocumentType, metadata []byte) error {
	schema, err := v.get(dt)
	if err != nil {
		return err
	}
	if len(metadata) == 0 {
		return &ValidationError{"metadata is required"}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(metadata))
	if err != nil {
		return &ValidationError{fmt.Sprintf("metadata is not valid JSON: %v", err)}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{fmt.Sprintf("invalid %s metadata: [%s]", dt, strings.Join(msgs, "; "))}
	}
	return nil
}
