package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

type TemplateStore struct {
	db DB
}

func NewTemplateStore(db DB) *TemplateStore {
	if db == nil {
		return nil
	}
	return &TemplateStore{db: db}
}

func (s *TemplateStore) CreateTemplate(ctx context.Context, template domain.PipelineTemplate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeDocument(template.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	now := normalizeTime(template.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_templates (
			template_id,
			name,
			config,
			is_default,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$5)`,
		strings.TrimSpace(template.ID),
		strings.TrimSpace(template.Name),
		configJSON,
		template.IsDefault,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

const templateColumns = `template_id, name, config, is_default, created_at, updated_at`

func scanTemplate(scan func(dest ...any) error) (domain.PipelineTemplate, error) {
	var template domain.PipelineTemplate
	var configJSON []byte
	if err := scan(&template.ID, &template.Name, &configJSON, &template.IsDefault,
		&template.CreatedAt, &template.UpdatedAt); err != nil {
		return domain.PipelineTemplate{}, err
	}
	config, err := decodeDocument(configJSON)
	if err != nil {
		return domain.PipelineTemplate{}, fmt.Errorf("decode config: %w", err)
	}
	template.Config = config
	return template, nil
}

func (s *TemplateStore) GetTemplate(ctx context.Context, id string) (domain.PipelineTemplate, error) {
	if s == nil || s.db == nil {
		return domain.PipelineTemplate{}, fmt.Errorf("template store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineTemplate{}, fmt.Errorf("template id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+templateColumns+` FROM pipeline_templates WHERE template_id = $1`,
		id,
	)
	template, err := scanTemplate(row.Scan)
	if err != nil {
		return domain.PipelineTemplate{}, handleNotFound(err)
	}
	return template, nil
}

func (s *TemplateStore) GetDefaultTemplate(ctx context.Context) (domain.PipelineTemplate, error) {
	if s == nil || s.db == nil {
		return domain.PipelineTemplate{}, fmt.Errorf("template store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+templateColumns+` FROM pipeline_templates WHERE is_default ORDER BY updated_at DESC LIMIT 1`,
	)
	template, err := scanTemplate(row.Scan)
	if err != nil {
		return domain.PipelineTemplate{}, handleNotFound(err)
	}
	return template, nil
}

func (s *TemplateStore) ListTemplates(ctx context.Context, filter repo.TemplateFilter) ([]domain.PipelineTemplate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("template store not initialized")
	}
	args := make([]any, 0, 2)
	query := `SELECT ` + templateColumns + ` FROM pipeline_templates ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := make([]domain.PipelineTemplate, 0)
	for rows.Next() {
		template, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, template)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

func (s *TemplateStore) UpdateTemplate(ctx context.Context, template domain.PipelineTemplate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeDocument(template.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_templates SET name = $1, config = $2, is_default = $3, updated_at = $4
		 WHERE template_id = $5`,
		strings.TrimSpace(template.Name),
		configJSON,
		template.IsDefault,
		time.Now().UTC(),
		strings.TrimSpace(template.ID),
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *TemplateStore) DeleteTemplate(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("template id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM pipeline_templates WHERE template_id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// SetDefaultTemplate marks one template as default and clears the flag on
// every other template. Callers run it inside Store.Tx so the invariant of
// at most one default holds.
func (s *TemplateStore) SetDefaultTemplate(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("template store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("template id is required")
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_templates SET is_default = FALSE, updated_at = $1
		 WHERE is_default AND template_id <> $2`,
		now,
		id,
	); err != nil {
		return fmt.Errorf("clear default templates: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_templates SET is_default = TRUE, updated_at = $1 WHERE template_id = $2`,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("set default template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set default template: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}
