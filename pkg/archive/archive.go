// Package archive stores raw portal payloads in an object store for
// audit and replay. Archiving is best effort: callers never fail an
// ingest because a page could not be archived.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gowebpki/jcs"
)

// ObjectPutter is the slice of the S3 API the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes one object per payload, keyed by
// <company>/<period>/<sha256 of the canonical JSON>.json. The canonical
// form makes the key stable across map orderings, so re-archiving the
// same page overwrites rather than duplicates.
type Archiver struct {
	log    *slog.Logger
	client ObjectPutter
	bucket string
}

func New(log *slog.Logger, client ObjectPutter, bucket string) *Archiver {
	return &Archiver{log: log, client: client, bucket: bucket}
}

// Key computes the object key for a payload.
func Key(companyID, period string, payload map[string]any) (string, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalise payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s/%s/%s.json", companyID, period, hex.EncodeToString(sum[:])), canonical, nil
}

// ArchiveDocument implements the ingest archiver hook.
func (a *Archiver) ArchiveDocument(ctx context.Context, companyID, period string, payload map[string]any) error {
	key, body, err := Key(companyID, period, payload)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.log.Debug("payload archived", "key", key, "bytes", len(body))
	return nil
}
