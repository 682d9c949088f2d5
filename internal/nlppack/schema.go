package nlppack

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

// outputSchema is compiled once at package load. The schema is our own
// embedded document, so a compile failure is a programming error.
var outputSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("nlp_pack.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("nlppack: load embedded schema: %v", err))
	}
	return compiler.MustCompile("nlp_pack.schema.json")
}()

// validateSchema checks a normalized document against the output schema. The
// document is re-encoded first because the validator works on decoded JSON
// values, not Go structs.
func validateSchema(doc *Document) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := outputSchema.Validate(decoded); err != nil {
		return fmt.Errorf("document does not match output schema: %w", err)
	}
	return nil
}
