package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed plan.schema.json
var planSchemaJSON []byte

// File is the on-disk plan document.
type File struct {
	Goal  string `yaml:"goal" json:"goal"`
	Tasks []Task `yaml:"tasks" json:"tasks"`
}

var planSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.schema.json", doc); err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	s, err := c.Compile("plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("plan schema: %v", err))
	}
	return s
}

// LoadFile reads a YAML (or JSON) plan document and checks it against the plan schema.
// Graph validity is checked later by Create.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and schema-checks a plan document.
func Parse(data []byte) (File, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return File{}, fmt.Errorf("parse plan: %w", err)
	}
	// Round-trip through JSON so the validator sees json.Number values.
	raw, err := json.Marshal(generic)
	if err != nil {
		return File{}, fmt.Errorf("encode plan: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return File{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := planSchema.Validate(inst); err != nil {
		return File{}, fmt.Errorf("plan schema: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse plan: %w", err)
	}
	return f, nil
}
