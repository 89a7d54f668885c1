package state

import (
	"context"
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"
)

const LedgerSnapshotKey = "ledger:last_snapshot"

// LedgerSnapshot is the last known exposure picture, persisted so a
// restart can log what the process believed before reconciliation takes
// over as the source of truth.
type LedgerSnapshot struct {
	ConfirmedNotional float64 `msgpack:"confirmed_notional"`
	PendingNotional   float64 `msgpack:"pending_notional"`
	OccupiedLevels    []int   `msgpack:"occupied_levels"`
	UpdatedAtMS       int64   `msgpack:"updated_at_ms"`
}

func LoadLedgerSnapshot(ctx context.Context, store Store) (LedgerSnapshot, bool, error) {
	if store == nil {
		return LedgerSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, LedgerSnapshotKey)
	if err != nil || !ok {
		return LedgerSnapshot{}, false, err
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return LedgerSnapshot{}, false, err
	}
	var snapshot LedgerSnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return LedgerSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveLedgerSnapshot(ctx context.Context, store Store, snapshot LedgerSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, LedgerSnapshotKey, base64.StdEncoding.EncodeToString(payload))
}
