// Package metadata is a registry of typed values keyed by their type name.
// Testcases and the fuzzer state each carry one; all values are gob-encoded
// with their owner, so every stored type must be registered.
package metadata

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrAbsent is returned when no value of the requested type is stored.
var ErrAbsent = errors.New("metadata absent")

// Map holds at most one value per type. Values are stored as pointers so
// callers can update them in place.
type Map struct {
	entries map[string]any
}

func New() *Map {
	return &Map{entries: make(map[string]any)}
}

// Register makes *T encodable inside a Map. Call it from package init.
func Register[T any]() {
	gob.Register(new(T))
}

// Key is the stable name a type is stored under.
func Key[T any]() string {
	return reflect.TypeFor[T]().String()
}

// Get returns the stored *T.
func Get[T any](m *Map) (*T, error) {
	v, ok := m.entries[Key[T]()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", Key[T](), ErrAbsent)
	}
	t, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("%s: stored value has type %T", Key[T](), v)
	}
	return t, nil
}

// GetOrInsert returns the stored *T, inserting init() first if absent.
func GetOrInsert[T any](m *Map, init func() *T) *T {
	if t, err := Get[T](m); err == nil {
		return t
	}
	t := init()
	m.entries[Key[T]()] = t
	return t
}

// Set stores v, replacing any previous value of the same type.
func Set[T any](m *Map, v *T) {
	m.entries[Key[T]()] = v
}

func Has[T any](m *Map) bool {
	_, ok := m.entries[Key[T]()]
	return ok
}

func Remove[T any](m *Map) {
	delete(m.entries, Key[T]())
}

func (m *Map) Len() int { return len(m.entries) }

// Lookup returns the raw value stored under a type name.
func Lookup(m *Map, key string) (any, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Keys lists stored type names in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.entries); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *Map) GobDecode(b []byte) error {
	m.entries = make(map[string]any)
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m.entries); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}
