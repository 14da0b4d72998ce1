package migrate

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// renameSessionTerminals moves [session] terminals to console_terminals and
// stamps version 2. Unknown keys are preserved.
func renameSessionTerminals(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if session, ok := doc["session"].(map[string]any); ok {
		if v, ok := session["terminals"]; ok {
			if _, exists := session["console_terminals"]; !exists {
				session["console_terminals"] = v
			}
			delete(session, "terminals")
		}
	}
	doc["version"] = int64(2)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
