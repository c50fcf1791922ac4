package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")

	in := payload{Name: "alpha", Count: 7}
	require.NoError(t, WriteJSONAtomic(path, in))

	var out payload
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)

	// No temp sibling left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteJSONAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, WriteJSONAtomic(path, payload{Name: "first", Count: 1}))
	require.NoError(t, WriteJSONAtomic(path, payload{Name: "second", Count: 2}))

	var out payload
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "second", out.Name)
}

func TestReadJSONMissingFile(t *testing.T) {
	var out payload
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestAppendAndTailJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")

	for i := 0; i < 10; i++ {
		require.NoError(t, AppendJSONL(path, payload{Name: "e", Count: i}))
	}

	lines, err := TailJSONL(path, 3)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	var last payload
	require.NoError(t, json.Unmarshal(lines[2], &last))
	assert.Equal(t, 9, last.Count, "newest record comes last")

	var first payload
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, 7, first.Count)
}

func TestTailJSONLFewerThanRequested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, AppendJSONL(path, payload{Count: 1}))
	require.NoError(t, AppendJSONL(path, payload{Count: 2}))

	lines, err := TailJSONL(path, 50)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestTailJSONLSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	f, err := os.Create(path)
	require.NoError(t, err)
	fmt.Fprintln(f, `{"count":1}`)
	fmt.Fprintln(f, `{broken`)
	fmt.Fprintln(f, "")
	fmt.Fprintln(f, `{"count":2}`)
	require.NoError(t, f.Close())

	lines, err := TailJSONL(path, 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var out payload
	require.NoError(t, json.Unmarshal(lines[1], &out))
	assert.Equal(t, 2, out.Count)
}

func TestTailJSONLMissingFileAndZeroN(t *testing.T) {
	lines, err := TailJSONL(filepath.Join(t.TempDir(), "absent.jsonl"), 5)
	require.NoError(t, err)
	assert.Nil(t, lines)

	lines, err = TailJSONL(filepath.Join(t.TempDir(), "absent.jsonl"), 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
