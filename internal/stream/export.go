package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gnosis-research/gnosis-track/internal/domain"
)

// Форматы экспорта.
const (
	ExportNDJSON = "ndjson"
	ExportText   = "text"
)

// Export выгружает весь run в writer построчно: NDJSON для машин,
// text — человекочитаемые строки. Разрывы отмечаются явной строкой.
func (r *Retriever) Export(ctx context.Context, claims *domain.TokenClaims, bucket, runID, format string, w io.Writer) error {
	if format != ExportNDJSON && format != ExportText {
		return fmt.Errorf("unknown export format %q", format)
	}

	items, err := r.Query(ctx, claims, bucket, runID, 0, 0, nil)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for item := range items {
		switch {
		case item.Err != nil:
			return item.Err

		case item.Gap != nil:
			if format == ExportText {
				if _, err := fmt.Fprintf(w, "--- gap: seq %d..%d (%s) ---\n",
					item.Gap.FromSeq, item.Gap.ToSeq, item.Gap.Reason); err != nil {
					return err
				}
			} else {
				if err := enc.Encode(map[string]any{"gap": item.Gap}); err != nil {
					return err
				}
			}

		case item.Record != nil:
			if format == ExportText {
				line := item.Record.Message
				if item.Record.Kind == domain.KindMetric {
					fields, _ := json.Marshal(item.Record.Fields)
					line = string(fields)
				}
				if _, err := fmt.Fprintf(w, "%s [%s] %s\n",
					item.Record.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
					levelOrKind(item.Record), line); err != nil {
					return err
				}
			} else {
				if err := enc.Encode(item.Record); err != nil {
					return err
				}
			}
		}
	}
	return ctx.Err()
}

func levelOrKind(rec *domain.Record) string {
	if rec.Level != "" {
		return rec.Level
	}
	return string(rec.Kind)
}
