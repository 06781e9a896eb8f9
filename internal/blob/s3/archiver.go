package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// TradeArchiver implements domain.TradeArchiver by serializing a day's closed
// trades to JSONL and uploading them at archive/trades/YYYY/MM/DD.jsonl.
//
// Deletion of archived rows from the primary store is intentionally not done
// here; that is a separate step once the archive is verified.
type TradeArchiver struct {
	client *Client
}

// NewTradeArchiver creates a TradeArchiver backed by the given client.
func NewTradeArchiver(c *Client) *TradeArchiver {
	return &TradeArchiver{client: c}
}

// ArchiveDay uploads the given trades under the day's archive key and returns
// the object key. A day with no trades uploads nothing and returns "".
func (a *TradeArchiver) ArchiveDay(ctx context.Context, day time.Time, trades []domain.TradeRecord) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive day marshal: %w", err)
	}

	key := fmt.Sprintf("archive/trades/%s.jsonl", day.UTC().Format("2006/01/02"))
	_, err = a.client.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive day upload %s: %w", key, err)
	}
	return key, nil
}

// marshalJSONL serialises records as newline-delimited JSON, one compact line
// per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.TradeArchiver = (*TradeArchiver)(nil)
