package config

// defaultTools returns the built-in pipelines available when
// config.yaml does not define any.
func defaultTools() []ToolConfig {
	return []ToolConfig{
		{
			ID:          "doc-summarize",
			DisplayName: "Document Summarizer",
			Agents:      []string{"extract-text", "summarize", "render-report"},
			Cost:        10,
			InputRoles:  []string{"document"},
			ParamsSchema: `{
				"type": "object",
				"properties": {
					"max_sentences": {"type": "integer", "minimum": 1, "maximum": 50},
					"language": {"type": "string", "minLength": 2, "maxLength": 8}
				},
				"additionalProperties": false
			}`,
		},
		{
			ID:          "table-normalize",
			DisplayName: "Table Normalizer",
			Agents:      []string{"parse-table", "normalize-rows", "render-report"},
			Cost:        5,
			InputRoles:  []string{"table"},
			ParamsSchema: `{
				"type": "object",
				"properties": {
					"delimiter": {"type": "string", "maxLength": 1},
					"drop_empty": {"type": "boolean"}
				},
				"additionalProperties": false
			}`,
		},
		{
			ID:          "doc-compare",
			DisplayName: "Document Comparator",
			Agents:      []string{"extract-text", "diff-documents", "render-report"},
			Cost:        15,
			InputRoles:  []string{"left", "right"},
		},
	}
}
