package marketplace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// schemaCache compiles manifest schemas once per capability version.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(key string, schema map[string]any) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	url := "mem://" + key + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.compiled[key] = s
	return s, nil
}

func (c *schemaCache) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.compiled {
		if strings.HasPrefix(k, id+"@") {
			delete(c.compiled, k)
		}
	}
}

// validate checks v against schema. Runtime values are rendered to their
// JSON form first so keywords, symbols and integers validate as strings and
// numbers.
func (c *schemaCache) validate(key string, schema map[string]any, v any) error {
	if len(schema) == 0 {
		return nil
	}
	s, err := c.get(key, schema)
	if err != nil {
		return err
	}
	doc, err := jsonDocument(v)
	if err != nil {
		return err
	}
	return s.Validate(doc)
}

func jsonDocument(v any) (any, error) {
	raw, err := runtime.MarshalValue(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// inputDocument is the value an input schema sees: the lone argument for a
// single-argument call, the argument list otherwise.
func inputDocument(args []any) any {
	if len(args) == 1 {
		return args[0]
	}
	if args == nil {
		return []any{}
	}
	return args
}
