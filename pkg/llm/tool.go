package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// InvokeFunc executes a tool with already-decoded arguments.
type InvokeFunc[T any] func(ctx context.Context, arg T) (string, error)

// FuncTool is a callable function tool exposed to the model.
type FuncTool struct {
	Name        string
	Description string
	Argument    *jsonschema.Schema

	// Invoke executes the tool with the raw JSON argument string.
	Invoke func(ctx context.Context, args string) (string, error)
}

// NewFuncTool builds a FuncTool whose argument schema is derived from
// ArgType. Raw argument strings are decoded (with JSON repair for
// malformed model output) before fn is called.
func NewFuncTool[ArgType any](name, description string, fn InvokeFunc[ArgType]) (*FuncTool, error) {
	schema, err := jsonschema.For[ArgType](nil)
	if err != nil {
		return nil, err
	}
	return &FuncTool{
		Name:        name,
		Description: description,
		Argument:    schema,
		Invoke: func(ctx context.Context, args string) (string, error) {
			var v ArgType
			if err := UnmarshalLenient([]byte(args), &v); err != nil {
				return "", fmt.Errorf("unmarshal %q error: %w", args, err)
			}
			return fn(ctx, v)
		},
	}, nil
}

// MustNewFuncTool is NewFuncTool that panics on schema errors.
func MustNewFuncTool[ArgType any](name, description string, fn InvokeFunc[ArgType]) *FuncTool {
	tool, err := NewFuncTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return tool
}

// UnmarshalLenient unmarshals JSON into v, attempting to repair
// malformed input on syntax errors. Models routinely emit slightly
// broken JSON (trailing commas, single quotes) in tool arguments.
func UnmarshalLenient(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
