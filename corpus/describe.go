package corpus

import (
	"fmt"
	"reflect"

	"alma.local/covfuzz/metadata"
)

// describe renders the metadata value stored under key for the sidecar file.
func describe(m *metadata.Map, key string) string {
	v, ok := metadata.Lookup(m, key)
	if !ok {
		return ""
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return reflect.TypeOf(v).String()
}
