package credential

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/smallbiznis/agentkey/internal/domain"
)

//go:embed metadata.schema.json
var metadataSchemaJSON []byte

const metadataSchemaURL = "https://agentkey.dev/schemas/credential-metadata.json"

// MetadataValidator checks credential metadata against the embedded schema.
// It is safe for concurrent use.
type MetadataValidator struct {
	schema *jsonschema.Schema
}

// NewMetadataValidator compiles the metadata schema.
func NewMetadataValidator() (*MetadataValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(metadataSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal metadata schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(metadataSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add metadata schema resource: %w", err)
	}
	schema, err := c.Compile(metadataSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile metadata schema: %w", err)
	}
	return &MetadataValidator{schema: schema}, nil
}

// Validate returns a domain.ErrValidation error describing the first
// violation. Nil and empty maps are valid.
func (v *MetadataValidator) Validate(metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	doc := make(map[string]any, len(metadata))
	for k, val := range metadata {
		doc[k] = val
	}
	if err := v.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: metadata: %s", domain.ErrValidation, leafMessage(verr))
		}
		return fmt.Errorf("%w: metadata: %v", domain.ErrValidation, err)
	}
	return nil
}

func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := "/"
	if len(verr.InstanceLocation) > 0 {
		loc = "/" + strings.Join(verr.InstanceLocation, "/")
	}
	return fmt.Sprintf("%s: %s", loc, verr.Error())
}
