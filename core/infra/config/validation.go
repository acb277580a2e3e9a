package config

import (
	"fmt"

	configschema "github.com/corralhq/corral/core/infra/schema"
)

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	if err := configschema.ValidateYAML(name, schemaBytes, data); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
