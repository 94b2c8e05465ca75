// Package jsonx routes engine JSON through goccy/go-json. Ledger payloads and
// CLI output go through here so the implementation can be swapped in one place.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal    = json.Marshal
	Unmarshal  = json.Unmarshal
	NewEncoder = json.NewEncoder
)
