package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadDocument reads a JSON or YAML file into v, choosing the decoder by
// file extension.
func ReadDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeDocument(path, data, v)
}

// DecodeDocument decodes data into v. Files ending in .yaml or .yml are
// parsed as YAML; everything else as JSON.
func DecodeDocument(name string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

// mappingKeys returns the keys of the top-level mapping field in document
// order. JSON documents parse as YAML flow mappings. It returns nil when the
// field is absent or the document does not parse.
func mappingKeys(data []byte, field string) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != field {
			continue
		}
		m := doc.Content[i+1]
		if m.Kind != yaml.MappingNode {
			return nil
		}
		keys := make([]string, 0, len(m.Content)/2)
		for j := 0; j+1 < len(m.Content); j += 2 {
			keys = append(keys, m.Content[j].Value)
		}
		return keys
	}
	return nil
}
