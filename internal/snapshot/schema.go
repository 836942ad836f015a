package snapshot

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const agentSchemaJSON = `{
  "type": "object",
  "required": ["id", "position"],
  "properties": {
    "id": {"type": "integer"},
    "position": {"$ref": "#/$defs/cell"},
    "is_carrying": {"type": "boolean"}
  },
  "$defs": {
    "cell": {"type": "array", "items": {"type": "integer"}, "minItems": 2, "maxItems": 2}
  }
}`

// Food arrives either as {"position": [x, y]} or as a bare [x, y] pair.
const foodSchemaJSON = `{
  "oneOf": [
    {"$ref": "#/$defs/cell"},
    {
      "type": "object",
      "required": ["position"],
      "properties": {"position": {"$ref": "#/$defs/cell"}}
    }
  ],
  "$defs": {
    "cell": {"type": "array", "items": {"type": "integer"}, "minItems": 2, "maxItems": 2}
  }
}`

var (
	agentSchema = mustCompile("mem://snapshot/agent.schema.json", agentSchemaJSON)
	foodSchema  = mustCompile("mem://snapshot/food.schema.json", foodSchemaJSON)
)

func mustCompile(url, source string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(url)
}
