// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
)

// Open creates a Store based on the backend configuration.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "badger":
		if path == "" {
			return nil, fmt.Errorf("store: badger backend requires a data path")
		}
		return OpenBadgerStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}
