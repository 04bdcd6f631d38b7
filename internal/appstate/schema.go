package appstate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed appstate.schema.json
var schemaJSON []byte

const schemaURL = "https://propsync.local/appstate.schema.json"

var ErrInvalidDocument = errors.New("invalid app state document")

// Validator checks patches against the embedded document schema. The zero
// value is ready to use; the schema is compiled on first use.
type Validator struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func (v *Validator) compile() {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		v.err = fmt.Errorf("parse app state schema: %w", err)
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		v.err = fmt.Errorf("load app state schema: %w", err)
		return
	}
	v.schema, v.err = compiler.Compile(schemaURL)
}

// ValidatePatch validates every field present in patch. Absent fields are
// not required.
func (v *Validator) ValidatePatch(patch Patch) error {
	v.once.Do(v.compile)
	if v.err != nil {
		return v.err
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}
