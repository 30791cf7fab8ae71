package allocator

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// Use-case templates are static job descriptions submitted verbatim to the
// UNICORE REST API. They are read-only configuration loaded once at startup;
// the embedded set ships with the binary and can be replaced with an
// external file for site-specific deployments.

//go:embed usecases.json
var defaultUseCases []byte

// UseCases maps a use-case name to its raw submission payload.
type UseCases map[string]json.RawMessage

// LoadUseCases parses use-case templates from path, or falls back to the
// embedded defaults when path is empty.
func LoadUseCases(path string) (UseCases, error) {
	data := defaultUseCases
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("allocator: reading use cases from %s: %w", path, err)
		}
	}
	return parseUseCases(data)
}

func parseUseCases(data []byte) (UseCases, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("allocator: parsing use cases: %w", err)
	}

	cases := make(UseCases, len(entries))
	for _, raw := range entries {
		var header struct {
			Name string `json:"Name"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, fmt.Errorf("allocator: parsing use case entry: %w", err)
		}
		if header.Name == "" {
			return nil, fmt.Errorf("allocator: use case entry without a Name")
		}
		cases[header.Name] = raw
	}
	return cases, nil
}
