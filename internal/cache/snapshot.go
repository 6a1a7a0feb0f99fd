package cache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const snapshotVersion = 1

type priceSnapshot struct {
	Version int          `msgpack:"v"`
	SavedAt time.Time    `msgpack:"saved_at"`
	Entries []PriceEntry `msgpack:"entries"`
}

// EncodeSnapshot serializes price entries for persistence
func EncodeSnapshot(entries []PriceEntry, savedAt time.Time) ([]byte, error) {
	data, err := msgpack.Marshal(&priceSnapshot{
		Version: snapshotVersion,
		SavedAt: savedAt,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode price snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot restores price entries written by EncodeSnapshot
func DecodeSnapshot(data []byte) ([]PriceEntry, time.Time, error) {
	var snap priceSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode price snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, time.Time{}, fmt.Errorf("unsupported price snapshot version %d", snap.Version)
	}
	return snap.Entries, snap.SavedAt, nil
}
