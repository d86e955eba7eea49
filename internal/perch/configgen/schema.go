package configgen

import (
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var schemaJSON string

var documentSchema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// ValidateDocument checks a merged document against the runtime configuration
// schema before it is written into a container. The schema pins the shape of
// the sections perch owns while leaving room for keys the runtime manages
// itself.
func ValidateDocument(doc map[string]any) error {
	if err := documentSchema.Validate(map[string]any(doc)); err != nil {
		return fmt.Errorf("configgen: document failed schema validation: %w", err)
	}
	return nil
}
