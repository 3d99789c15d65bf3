package behavior

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	sampleSchemaPath  = "schemas/sample.schema.json"
	profileSchemaPath = "schemas/profile.schema.json"
)

var (
	schemasOnce   sync.Once
	sampleSchema  *jsonschema.Schema
	profileSchema *jsonschema.Schema
	schemasErr    error
)

func loadSchemas() {
	compiler := jsonschema.NewCompiler()
	for _, path := range []string{sampleSchemaPath, profileSchemaPath} {
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			schemasErr = fmt.Errorf("read schema %s: %w", path, err)
			return
		}
		if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
			schemasErr = fmt.Errorf("add schema resource %s: %w", path, err)
			return
		}
	}
	if sampleSchema, schemasErr = compiler.Compile(sampleSchemaPath); schemasErr != nil {
		return
	}
	profileSchema, schemasErr = compiler.Compile(profileSchemaPath)
}

func validate(schema func() *jsonschema.Schema, raw []byte) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return fmt.Errorf("compile schemas: %w", schemasErr)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema().Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// DecodeData validates a raw behavioral payload against the sample schema and
// decodes it.
func DecodeData(raw []byte) (*Data, error) {
	if err := validate(func() *jsonschema.Schema { return sampleSchema }, raw); err != nil {
		return nil, err
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if d.Modalities() == 0 {
		return nil, fmt.Errorf("%w: no modality data", ErrInvalidPayload)
	}
	if err := d.recordPresent(raw); err != nil {
		return nil, err
	}
	return &d, nil
}

// recordPresent notes which fields each modality of raw carried.
func (d *Data) recordPresent(raw []byte) error {
	var modalities struct {
		Typing     map[string]json.RawMessage `json:"typing"`
		Mouse      map[string]json.RawMessage `json:"mouse"`
		Cognitive  map[string]json.RawMessage `json:"cognitive"`
		Navigation map[string]json.RawMessage `json:"navigation"`
	}
	if err := json.Unmarshal(raw, &modalities); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if d.Typing != nil {
		d.Typing.present = keysOf(modalities.Typing)
	}
	if d.Mouse != nil {
		d.Mouse.present = keysOf(modalities.Mouse)
	}
	if d.Cognitive != nil {
		d.Cognitive.present = keysOf(modalities.Cognitive)
	}
	if d.Navigation != nil {
		d.Navigation.present = keysOf(modalities.Navigation)
	}
	return nil
}

func keysOf(m map[string]json.RawMessage) fieldSet {
	f := make(fieldSet, len(m))
	for k := range m {
		f[k] = struct{}{}
	}
	return f
}

// DecodeProfile validates a raw enrollment profile and decodes it.
func DecodeProfile(raw []byte) (*Profile, error) {
	if err := validate(func() *jsonschema.Schema { return profileSchema }, raw); err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(p.CombinedEmbedding) > 0 && len(p.CombinedEmbedding) != Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrEmbeddingDimension, len(p.CombinedEmbedding), Dim)
	}
	return &p, nil
}
