package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/basket/taskpilot/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Acceptance criteria forms:
//
//	nonempty          output has non-whitespace content
//	contains:TEXT     output contains TEXT
//	equals:TEXT       trimmed output equals TEXT
//	regex:EXPR        output matches EXPR
//	schema:{...}      output is JSON valid against the inline schema
//
// Several criteria may be given one per line; all must hold. A schema:
// criterion consumes the rest of the text. Free-form prose is treated as
// nonempty: it describes the goal to the oracle rather than testing output.
func checkAcceptance(criteria, output string) error {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" {
		return nil
	}
	if strings.HasPrefix(criteria, "schema:") {
		return checkSchema(strings.TrimPrefix(criteria, "schema:"), output)
	}
	for _, line := range strings.Split(criteria, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := checkCriterion(line, output); err != nil {
			return err
		}
	}
	return nil
}

func checkCriterion(c, output string) error {
	kind, arg, found := strings.Cut(c, ":")
	if !found {
		kind = "nonempty"
	}
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "contains":
		if !strings.Contains(output, arg) {
			return fmt.Errorf("acceptance criteria not met: output does not contain %q", arg)
		}
	case "equals":
		if strings.TrimSpace(output) != arg {
			return fmt.Errorf("acceptance criteria not met: output %q does not equal %q", shared.Truncate(output, 80), arg)
		}
	case "regex":
		re, err := regexp.Compile(arg)
		if err != nil {
			return fmt.Errorf("acceptance criteria malformed: %w", err)
		}
		if !re.MatchString(output) {
			return fmt.Errorf("acceptance criteria not met: output does not match /%s/", arg)
		}
	case "schema":
		return checkSchema(arg, output)
	default:
		if strings.TrimSpace(output) == "" {
			return fmt.Errorf("acceptance criteria not met: empty output")
		}
	}
	return nil
}

var schemaCache sync.Map // schema text -> *jsonschema.Schema

func checkSchema(schemaText, output string) error {
	schemaText = strings.TrimSpace(schemaText)
	var sch *jsonschema.Schema
	if v, ok := schemaCache.Load(schemaText); ok {
		sch = v.(*jsonschema.Schema)
	} else {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
		if err != nil {
			return fmt.Errorf("acceptance criteria malformed: schema: %w", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("acceptance.json", doc); err != nil {
			return fmt.Errorf("acceptance criteria malformed: schema: %w", err)
		}
		sch, err = c.Compile("acceptance.json")
		if err != nil {
			return fmt.Errorf("acceptance criteria malformed: schema: %w", err)
		}
		schemaCache.Store(schemaText, sch)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(output))
	if err != nil {
		return fmt.Errorf("acceptance criteria not met: output is not JSON: parse error: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("acceptance criteria not met: schema validation: %v", err)
	}
	return nil
}
