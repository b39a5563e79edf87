package domain

import (
	"errors"
	"strings"
	"time"
)

// PipelineTemplate is a reusable pipeline configuration. At most one
// template may be the default at a time.
type PipelineTemplate struct {
	ID        string
	Name      string
	Config    Metadata
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t PipelineTemplate) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	return nil
}
