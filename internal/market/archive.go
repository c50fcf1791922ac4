package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// LoadBatch reads and validates a market.frames.v1 batch from disk.
// Frames are returned sorted and deduplicated by (start_ts_ms, symbol).
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", path, err)
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch %s: %w", path, err)
	}
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch %s: %w", path, err)
	}

	SortFrames(batch.Frames)
	batch.Frames = DedupFrames(batch.Frames)

	log.Debug().
		Str("path", path).
		Int("frames", len(batch.Frames)).
		Str("provider", batch.Provider).
		Msg("Loaded frame batch")

	return &batch, nil
}

// LoadReplayArchive loads the pre-materialized 1m bar archive used to
// seed the replay engine.
func LoadReplayArchive(dir string) (*Batch, error) {
	return LoadBatch(filepath.Join(dir, "frames.1m.json"))
}

// LoadDailyHistory loads the static daily history batch served for "1d"
// queries. A missing file is not fatal: daily queries then return empty
// and callers fall through to the generator.
func LoadDailyHistory(path string) (*Batch, error) {
	batch, err := LoadBatch(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Daily history archive missing, serving empty history")
			return &Batch{SchemaVersion: BatchSchemaVersion, Frames: []Frame{}}, nil
		}
		return nil, err
	}
	return batch, nil
}
