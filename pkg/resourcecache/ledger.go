package resourcecache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Ledger estimates the serialized size of storable values and reports the
// total bytes consumed by cache entries in the backing store. It has no side
// effects; both operations are pure reads.
type Ledger struct {
	store        keyScanner
	namespace    string
	bytesPerChar int
}

// keyScanner is the slice of the kvstore contract the ledger needs.
type keyScanner interface {
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// NewLedger creates a ledger over the cache-namespaced keys of a store.
// bytesPerChar models the storage medium's per-character width (2 for
// UTF-16-encoded media); values below 1 are treated as 1.
func NewLedger(store keyScanner, namespace string, bytesPerChar int) *Ledger {
	if bytesPerChar < 1 {
		bytesPerChar = 1
	}
	return &Ledger{
		store:        store,
		namespace:    namespace,
		bytesPerChar: bytesPerChar,
	}
}

// SizeOf returns a best-effort estimate of the serialized size of a value.
// Values that cannot be serialized report 0; SizeOf never panics.
func (l *Ledger) SizeOf(value any) int {
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return len(data) * l.bytesPerChar
}

// sizeOfRecord reports the stored size of an already-serialized record.
func (l *Ledger) sizeOfRecord(record string) int64 {
	return int64(len(record) * l.bytesPerChar)
}

// TotalBytes scans every cache-namespaced key and sums the stored size of
// each serialized record.
func (l *Ledger) TotalBytes(ctx context.Context) (int64, error) {
	keys, err := l.store.Keys(ctx, l.namespace)
	if err != nil {
		return 0, fmt.Errorf("ledger key scan failed: %w", err)
	}
	var total int64
	for _, key := range keys {
		record, err := l.store.Get(ctx, key)
		if err != nil {
			// A key deleted between the scan and the read simply no
			// longer counts.
			continue
		}
		total += l.sizeOfRecord(record)
	}
	return total, nil
}
