package allowlist

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk allowlist layout:
//
//	tables:
//	  orders: [order_id, order_status, order_purchase_timestamp]
//	  customers: [customer_id, customer_state]
type fileFormat struct {
	Tables map[string][]string `yaml:"tables"`
}

// Parse decodes a YAML (or JSON) allowlist document.
func Parse(data []byte) (map[string][]string, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("allowlist: invalid document: %w", err)
	}
	if f.Tables == nil {
		return nil, fmt.Errorf("allowlist: document has no \"tables\" key")
	}
	return f.Tables, nil
}

// LoadFile reads and decodes the allowlist file at path.
func LoadFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("allowlist: failed to read %s: %w", path, err)
	}
	return Parse(data)
}
