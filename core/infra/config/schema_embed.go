package config

import "embed"

const pipelineSchemaFile = "schema/pipeline.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
