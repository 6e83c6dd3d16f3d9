package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantadyne/tradecore/internal/domain"
)

// Archiver exports trade history and audit entries older than a cutoff to
// blob storage as JSONL. Deleting archived rows from the primary store is a
// separate, explicit step taken after the archive is verified.
type Archiver struct {
	writer domain.BlobWriter
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveBefore exports everything older than the cutoff. Object keys are
// date-stamped so repeated runs for the same cutoff overwrite rather than
// duplicate.
func (a *Archiver) ArchiveBefore(ctx context.Context, cutoff time.Time) error {
	stamp := cutoff.UTC().Format("2006-01-02")

	fills, err := a.trades.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: list fills: %w", err)
	}
	if len(fills) > 0 {
		body, err := marshalJSONL(fills)
		if err != nil {
			return fmt.Errorf("archiver: encode fills: %w", err)
		}
		key := fmt.Sprintf("archive/fills/%s.jsonl", stamp)
		if err := a.writer.Put(ctx, key, body, "application/x-ndjson"); err != nil {
			return fmt.Errorf("archiver: upload fills: %w", err)
		}
		a.logger.InfoContext(ctx, "fills archived",
			slog.Int("count", len(fills)),
			slog.String("key", key),
		)
	}

	until := cutoff
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &until})
	if err != nil {
		return fmt.Errorf("archiver: list audit entries: %w", err)
	}
	if len(entries) > 0 {
		body, err := marshalJSONL(entries)
		if err != nil {
			return fmt.Errorf("archiver: encode audit entries: %w", err)
		}
		key := fmt.Sprintf("archive/audit/%s.jsonl", stamp)
		if err := a.writer.Put(ctx, key, body, "application/x-ndjson"); err != nil {
			return fmt.Errorf("archiver: upload audit entries: %w", err)
		}
		a.logger.InfoContext(ctx, "audit entries archived",
			slog.Int("count", len(entries)),
			slog.String("key", key),
		)
	}
	return nil
}

// Run archives on the given interval until the context ends, each pass
// exporting records older than retention.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.ArchiveBefore(ctx, time.Now().Add(-retention)); err != nil {
				a.logger.WarnContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// marshalJSONL encodes a slice as newline-delimited JSON.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
