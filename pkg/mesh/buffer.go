package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalBuffer is a bounded FIFO store-and-forward buffer used while the
// controller is unreachable. Persistence, when configured, is an atomic
// write: serialize to a temp file in the same directory, then rename —
// the same pattern used elsewhere in this codebase for small on-disk
// state that must never be left half-written.
type LocalBuffer struct {
	maxItems      int
	persistPath   string
	flushBatchSize int
	metrics       *Metrics

	mu    sync.Mutex
	items []BufferedItem
}

// NewLocalBuffer constructs a buffer and, if persistPath is non-empty,
// best-effort loads any previously persisted items.
func NewLocalBuffer(maxItems int, persistPath string, flushBatchSize int, metrics *Metrics) *LocalBuffer {
	b := &LocalBuffer{
		maxItems:       maxItems,
		persistPath:    persistPath,
		flushBatchSize: flushBatchSize,
		metrics:        metrics,
	}
	if persistPath != "" {
		if err := b.load(); err != nil {
			slog.Error("mesh: failed to load buffer from disk", "error", err)
		}
	}
	slog.Info("mesh: local buffer initialized", "max_items", maxItems, "persist_path", persistPath, "items", len(b.items))
	return b
}

// AddTelemetry appends a telemetry payload to the buffer.
func (b *LocalBuffer) AddTelemetry(data map[string]any) { b.add("telemetry", data) }

// AddCommandResult appends a command result to the buffer.
func (b *LocalBuffer) AddCommandResult(commandID string, result map[string]any) {
	b.add("command_result", map[string]any{"command_id": commandID, "result": result})
}

func (b *LocalBuffer) add(itemType string, data map[string]any) {
	item := BufferedItem{ItemType: itemType, Data: data, Timestamp: time.Now()}

	b.mu.Lock()
	b.items = append(b.items, item)
	dropped := 0
	if len(b.items) > b.maxItems {
		dropped = len(b.items) - b.maxItems
		b.items = b.items[dropped:]
	}
	if b.persistPath != "" {
		if err := b.saveLocked(); err != nil {
			slog.Error("mesh: failed to persist buffer", "error", err)
		}
	}
	total := len(b.items)
	b.mu.Unlock()

	if dropped > 0 {
		slog.Warn("mesh: buffer full, dropped oldest items", "dropped", dropped)
		if b.metrics != nil {
			b.metrics.BufferDropped.Add(float64(dropped))
		}
	}
	slog.Debug("mesh: buffered item", "type", itemType, "total", total)
}

// PendingCounts returns per-type counts plus a "total" key.
func (b *LocalBuffer) PendingCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[string]int{"telemetry": 0, "command_result": 0, "total": len(b.items)}
	for _, item := range b.items {
		counts[item.ItemType]++
	}
	return counts
}

// BatchToFlush returns up to flushBatchSize items, optionally filtered by
// type, as a read-only snapshot.
func (b *LocalBuffer) BatchToFlush(itemType string) []BufferedItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []BufferedItem
	if itemType == "" {
		filtered = append(filtered, b.items...)
	} else {
		for _, item := range b.items {
			if item.ItemType == itemType {
				filtered = append(filtered, item)
			}
		}
	}
	if len(filtered) > b.flushBatchSize {
		filtered = filtered[:b.flushBatchSize]
	}
	return filtered
}

// MarkFlushed removes items matching (item_type, timestamp) from the
// buffer and persists the result.
func (b *LocalBuffer) MarkFlushed(items []BufferedItem) {
	flushed := make(map[bufferKey]bool, len(items))
	for _, item := range items {
		flushed[item.key()] = true
	}

	b.mu.Lock()
	kept := b.items[:0]
	removed := 0
	for _, item := range b.items {
		if flushed[item.key()] {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	b.items = kept
	if b.persistPath != "" {
		if err := b.saveLocked(); err != nil {
			slog.Error("mesh: failed to persist buffer", "error", err)
		}
	}
	remaining := len(b.items)
	b.mu.Unlock()

	slog.Info("mesh: flushed items from buffer", "removed", removed, "remaining", remaining)
}

// MarkFailed increments AttemptCount on items matching (item_type,
// timestamp) and persists the result.
func (b *LocalBuffer) MarkFailed(items []BufferedItem) {
	failed := make(map[bufferKey]bool, len(items))
	for _, item := range items {
		failed[item.key()] = true
	}

	b.mu.Lock()
	for i := range b.items {
		if failed[b.items[i].key()] {
			b.items[i].AttemptCount++
		}
	}
	if b.persistPath != "" {
		if err := b.saveLocked(); err != nil {
			slog.Error("mesh: failed to persist buffer", "error", err)
		}
	}
	b.mu.Unlock()
}

// Clear drops all buffered items and returns the count removed.
func (b *LocalBuffer) Clear() int {
	b.mu.Lock()
	count := len(b.items)
	b.items = nil
	if b.persistPath != "" {
		if err := b.saveLocked(); err != nil {
			slog.Error("mesh: failed to persist buffer", "error", err)
		}
	}
	b.mu.Unlock()
	slog.Info("mesh: buffer cleared", "removed", count)
	return count
}

// Size returns the current number of buffered items.
func (b *LocalBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

type persistedBuffer struct {
	Items   []persistedItem `json:"items"`
	SavedAt string          `json:"saved_at"`
}

type persistedItem struct {
	ItemType     string         `json:"item_type"`
	Data         map[string]any `json:"data"`
	Timestamp    string         `json:"timestamp"`
	AttemptCount int            `json:"attempt_count"`
}

// saveLocked must be called with b.mu held.
func (b *LocalBuffer) saveLocked() error {
	items := make([]persistedItem, len(b.items))
	for i, it := range b.items {
		items[i] = persistedItem{
			ItemType:     it.ItemType,
			Data:         it.Data,
			Timestamp:    it.Timestamp.Format(relayTimestampLayout),
			AttemptCount: it.AttemptCount,
		}
	}
	doc := persistedBuffer{Items: items, SavedAt: time.Now().Format(relayTimestampLayout)}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal buffer: %w", err)
	}

	dir := filepath.Dir(b.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create buffer dir: %w", err)
	}

	tmpPath := b.persistPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp buffer file: %w", err)
	}
	if err := os.Rename(tmpPath, b.persistPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp buffer file: %w", err)
	}
	return nil
}

// load reads the buffer file from disk. Missing file is not an error;
// parse errors reset the buffer to empty without aborting the process.
func (b *LocalBuffer) load() error {
	data, err := os.ReadFile(b.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read buffer file: %w", err)
	}

	var doc persistedBuffer
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Error("mesh: corrupt buffer file, starting empty", "error", err)
		b.items = nil
		return nil
	}

	items := make([]BufferedItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		ts, err := parseRelayTimestamp(it.Timestamp)
		if err != nil {
			continue
		}
		items = append(items, BufferedItem{
			ItemType:     it.ItemType,
			Data:         it.Data,
			Timestamp:    ts,
			AttemptCount: it.AttemptCount,
		})
	}
	b.items = items
	slog.Info("mesh: loaded buffered items from disk", "count", len(items), "saved_at", doc.SavedAt)
	return nil
}
