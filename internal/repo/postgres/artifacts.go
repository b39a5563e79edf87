package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeDocument(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var byteSize sql.NullInt64
	if artifact.Bytes > 0 {
		byteSize = sql.NullInt64{Int64: artifact.Bytes, Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (
			artifact_id,
			run_id,
			step_id,
			kind,
			uri,
			sha256,
			bytes,
			metadata,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.RunID),
		nullIfEmpty(artifact.StepID),
		string(artifact.Kind),
		strings.TrimSpace(artifact.URI),
		nullIfEmpty(artifact.SHA256),
		byteSize,
		metadataJSON,
		normalizeTime(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

const artifactColumns = `artifact_id, run_id, step_id, kind, uri, sha256, bytes, metadata, created_at`

func scanArtifact(scan func(dest ...any) error) (domain.Artifact, error) {
	var artifact domain.Artifact
	var stepID sql.NullString
	var kind string
	var sha sql.NullString
	var byteSize sql.NullInt64
	var metadataJSON []byte
	if err := scan(&artifact.ID, &artifact.RunID, &stepID, &kind, &artifact.URI,
		&sha, &byteSize, &metadataJSON, &artifact.CreatedAt); err != nil {
		return domain.Artifact{}, err
	}
	artifact.Kind = domain.ArtifactKind(kind)
	if stepID.Valid {
		artifact.StepID = stepID.String
	}
	if sha.Valid {
		artifact.SHA256 = sha.String
	}
	if byteSize.Valid {
		artifact.Bytes = byteSize.Int64
	}
	metadata, err := decodeDocument(metadataJSON)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("decode metadata: %w", err)
	}
	artifact.Metadata = metadata
	return artifact, nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("artifact store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Artifact{}, fmt.Errorf("artifact id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = $1`,
		id,
	)
	artifact, err := scanArtifact(row.Scan)
	if err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	return artifact, nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	if strings.TrimSpace(filter.RunID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	args = append(args, strings.TrimSpace(filter.RunID))
	clauses = append(clauses, fmt.Sprintf("run_id = $%d", len(args)))
	if strings.TrimSpace(filter.Kind) != "" {
		args = append(args, strings.TrimSpace(filter.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE ` + strings.Join(clauses, " AND ")
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}
