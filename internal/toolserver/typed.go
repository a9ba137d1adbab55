package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Typed builds a Tool whose input schema is reflected from the fields
// of T. Fields without omitempty are required; use jsonschema struct
// tags for descriptions and constraints:
//
//	type echoArgs struct {
//		Text string `json:"text" jsonschema:"description=Text to echo back"`
//	}
//
// The handler receives arguments already decoded into T.
func Typed[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (Tool, error) {
	schema, err := reflectSchema(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}

	return Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			raw, err := json.Marshal(args)
			if err != nil {
				return "", fmt.Errorf("encode arguments: %w", err)
			}
			var typed T
			if err := json.Unmarshal(raw, &typed); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			return fn(ctx, typed)
		},
	}, nil
}

// MustTyped is Typed for static tool tables; it panics on error.
func MustTyped[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) Tool {
	t, err := Typed(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// reflectSchema reflects t into a plain JSON Schema object.
func reflectSchema(t reflect.Type) (map[string]any, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	js, err := json.Marshal(r.ReflectFromType(t))
	if err != nil {
		return nil, fmt.Errorf("encode reflected schema: %w", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(js, &schema); err != nil {
		return nil, fmt.Errorf("decode reflected schema: %w", err)
	}
	// The 2020-12 meta-schema reference is not understood by the
	// validator and means nothing to callers.
	delete(schema, "$schema")
	delete(schema, "$id")
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}
