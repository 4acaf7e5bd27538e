package cache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// DeriveKey builds the storage key `namespace:identifier[:hash]`. Params are
// sorted by name before hashing so equivalent parameter sets always produce
// the same key regardless of map iteration order.
func DeriveKey(namespace, identifier string, params map[string]interface{}) string {
	if len(params) == 0 {
		return namespace + ":" + identifier
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte('&')
		}
		fmt.Fprintf(&sb, "%s=%v", name, params[name])
	}

	hash := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%s:%s:%x", namespace, identifier, hash[:8])
}

// namespacePrefix returns the key prefix matching every entry in a namespace.
func namespacePrefix(namespace string) string {
	return namespace + ":"
}
