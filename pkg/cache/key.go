package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyPrefix namespaces page entries in Redis.
const KeyPrefix = "ghh:page:"

// Key identifies one GraphQL page.
type Key struct {
	// Endpoint is the GraphQL endpoint URL.
	Endpoint string

	// Query is the GraphQL document.
	Query string

	// Variables are the request variables, cursor included.
	Variables map[string]any
}

// String returns the Redis key: the prefix followed by a SHA-256 over endpoint,
// query and the JSON encoding of the variables. encoding/json sorts map keys,
// so equal variable sets always hash the same.
func (k Key) String() string {
	vars, err := json.Marshal(k.Variables)
	if err != nil {
		vars = []byte(fmt.Sprintf("%v", k.Variables))
	}

	h := sha256.New()
	h.Write([]byte(k.Endpoint))
	h.Write([]byte{0})
	h.Write([]byte(k.Query))
	h.Write([]byte{0})
	h.Write(vars)
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}
