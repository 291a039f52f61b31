package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"crimson-map/dbtypes"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
)

// DirSink writes export files into a local directory.
type DirSink struct {
	Dir string
}

// Put replaces the file atomically so a concurrent reader never sees a
// partial snapshot.
func (s *DirSink) Put(ctx context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("while creating export dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("while creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("while writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("while closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		return fmt.Errorf("while renaming temp file: %w", err)
	}
	return nil
}

// GCSSink writes export files as objects under Prefix in a GCS bucket.
type GCSSink struct {
	gcs    *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(gcs *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{
		gcs:    gcs,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) error {
	tracer := otel.Tracer("crimson-map/export")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "GCSSink.Put")
	defer span.End()

	span.SetAttributes(attribute.String("name", name))

	obj := s.gcs.Bucket(s.bucket).Object(path.Join(s.prefix, name))
	cond, err := writeConditions(obj.Attrs(ctx))
	if err != nil {
		err := fmt.Errorf("while reading attributes of %s: %w", name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int64("generation", cond.GenerationMatch))

	w := obj.If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache"

	// Disable chunking.  This will expose more transient server errors to
	// calling code, but significantly reduces memory usage.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		err := fmt.Errorf("while writing to object writer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailure(err) {
			err = fmt.Errorf("%s was replaced concurrently: %w", name, dbtypes.ErrConflict)
		}
		err := fmt.Errorf("while closing object writer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// writeConditions picks the precondition for replacing an object, given the
// result of reading its attributes: create when it is absent, otherwise
// overwrite only the generation that was read.
func writeConditions(attrs *storage.ObjectAttrs, err error) (storage.Conditions, error) {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return storage.Conditions{DoesNotExist: true}, nil
	}
	if err != nil {
		return storage.Conditions{}, err
	}
	return storage.Conditions{GenerationMatch: attrs.Generation}, nil
}

func isPreconditionFailure(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
