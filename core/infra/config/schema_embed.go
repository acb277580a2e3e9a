package config

import "embed"

const coordinationSchemaFile = "schema/coordination.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
