package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

// Mirror uploads artifact payloads to secondary storage for durability.
type Mirror interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// Recorder writes an artifact payload to the store and the matching row to
// the repository in one call. When a mirror is configured, the payload is
// also uploaded to object storage; mirror failures are logged, never fatal,
// because the local filesystem remains authoritative.
type Recorder struct {
	store  *Store
	repo   repo.ArtifactRepository
	mirror Mirror
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(store *Store, artifactRepo repo.ArtifactRepository, logger *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if artifactRepo == nil {
		return nil, errors.New("artifact repository is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Recorder{store: store, repo: artifactRepo, logger: logger, now: time.Now}, nil
}

// WithMirror enables best-effort uploads to the given bucket.
func (r *Recorder) WithMirror(mirror Mirror, bucket string) *Recorder {
	r.mirror = mirror
	r.bucket = strings.TrimSpace(bucket)
	return r
}

// Put persists the payload and records the artifact. The returned artifact
// carries the generated id, uri and integrity metadata.
func (r *Recorder) Put(
	ctx context.Context,
	runID, stepID string,
	kind domain.ArtifactKind,
	filename string,
	data []byte,
	metadata domain.Metadata,
) (domain.Artifact, error) {
	if r == nil || r.store == nil {
		return domain.Artifact{}, errors.New("artifact recorder not initialized")
	}
	result, err := r.store.WriteBytes(runID, string(kind), filename, data)
	if err != nil {
		return domain.Artifact{}, err
	}

	artifact := domain.Artifact{
		ID:        uuid.NewString(),
		RunID:     strings.TrimSpace(runID),
		StepID:    strings.TrimSpace(stepID),
		Kind:      kind,
		URI:       result.URI,
		SHA256:    result.SHA256,
		Bytes:     result.Bytes,
		Metadata:  metadata,
		CreatedAt: r.now().UTC(),
	}
	if err := r.repo.CreateArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, err
	}

	if r.mirror != nil && r.bucket != "" {
		if err := r.mirror.Put(ctx, r.bucket, result.URI, bytes.NewReader(data), result.Bytes, contentTypeFor(filename)); err != nil {
			r.logger.Warn("artifact mirror upload failed",
				"artifact_id", artifact.ID, "uri", result.URI, "error", err)
		}
	}
	return artifact, nil
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".json"):
		return "application/json"
	case strings.HasSuffix(filename, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(filename, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
