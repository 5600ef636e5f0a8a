package metadata

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int
}

type labels struct {
	Names []string
}

func init() {
	Register[counter]()
	Register[labels]()
}

func TestGetAbsent(t *testing.T) {
	m := New()
	_, err := Get[counter](m)
	require.ErrorIs(t, err, ErrAbsent)
	assert.False(t, Has[counter](m))
}

func TestGetOrInsertUpdatesInPlace(t *testing.T) {
	m := New()
	c := GetOrInsert(m, func() *counter { return &counter{} })
	c.N = 3

	again := GetOrInsert(m, func() *counter { return &counter{N: 99} })
	assert.Equal(t, 3, again.N)

	Remove[counter](m)
	assert.False(t, Has[counter](m))
}

func TestGobRoundTrip(t *testing.T) {
	m := New()
	Set(m, &counter{N: 7})
	Set(m, &labels{Names: []string{"a", "b"}})

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(m))

	var out Map
	require.NoError(t, gob.NewDecoder(&buf).Decode(&out))

	c, err := Get[counter](&out)
	require.NoError(t, err)
	assert.Equal(t, 7, c.N)
	l, err := Get[labels](&out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, l.Names)
	assert.Equal(t, m.Keys(), out.Keys())
}
