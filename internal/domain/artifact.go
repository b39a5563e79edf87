package domain

import (
	"errors"
	"strings"
	"time"
)

// Artifact is a persisted output file produced by a step. The URI is
// relative to the artifact store root; clients reference artifacts by id,
// never by raw path.
type Artifact struct {
	ID        string
	RunID     string
	StepID    string
	Kind      ArtifactKind
	URI       string
	SHA256    string
	Bytes     int64
	Metadata  Metadata
	CreatedAt time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("artifact run id is required")
	}
	if !a.Kind.Valid() {
		return errors.New("artifact kind is invalid")
	}
	if strings.TrimSpace(a.URI) == "" {
		return errors.New("artifact uri is required")
	}
	return nil
}
