package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Scope values are checked again by models.ParseScope; the enum here gives
// callers a readable error.
const triggerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "sync_scope": { "type": "string", "enum": ["", "quick", "standard", "full", "priority_platforms"] },
    "client_context": {
      "type": "object",
      "properties": {
        "client_name": { "type": "string", "maxLength": 200 },
        "industry": { "type": "string", "maxLength": 200 },
        "recipients": { "type": "array", "items": { "type": "string" }, "maxItems": 100 }
      },
      "additionalProperties": false
    },
    "triggered_by": { "type": "string", "maxLength": 200 },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false
}`

var triggerLoader = gojsonschema.NewStringLoader(triggerSchema)

func validateTrigger(body []byte) error {
	result, err := gojsonschema.Validate(triggerLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("request does not conform to schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
