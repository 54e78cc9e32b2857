package templates

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/models"
)

// DescriptorFile is the name of a descriptor stored in its own directory.
const DescriptorFile = "message.yaml"

// Resolver finds the descriptor for a template name and mode. It returns
// *apperrors.TemplateNotFoundError when nothing matches. Returned descriptors
// are shared and must not be modified.
type Resolver interface {
	Resolve(ctx context.Context, name, mode string) (*models.TemplateDescriptor, error)
}

// NewResolver builds the resolver selected by cfg.Templates.Source.
func NewResolver(cfg *config.Config, logger *zap.Logger) (Resolver, error) {
	var r Resolver

	switch cfg.Templates.Source {
	case config.SourceDir:
		r = NewDirSource(cfg.Templates.Dir, logger)
	case config.SourceS3:
		s3, err := NewS3Source(cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		r = s3
	default:
		return nil, &apperrors.ConfigError{
			Field:  "templates.source",
			Reason: fmt.Sprintf("unsupported value %q", cfg.Templates.Source),
		}
	}

	if cfg.Templates.Cache {
		r = NewCachingResolver(r)
	}
	return r, nil
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)*$`)

// checkName rejects names that could escape the template root.
func checkName(name, mode string) error {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return &apperrors.TemplateNotFoundError{Name: name, Mode: mode}
	}
	return nil
}

// candidates lists the descriptor locations tried for name, in order.
func candidates(name string) []string {
	return []string{
		name + ".yaml",
		path.Join(name, DescriptorFile),
	}
}

// decodeDescriptor parses a YAML descriptor. Parts given by file are loaded
// through readFile with a path relative to the descriptor.
func decodeDescriptor(
	name, location string,
	data []byte,
	readFile func(rel string) ([]byte, error),
) (*models.TemplateDescriptor, error) {

	var d models.TemplateDescriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &apperrors.RenderError{
			Template: name,
			Part:     "descriptor",
			Err:      fmt.Errorf("parse %s: %w", location, err),
		}
	}

	if d.ID == "" {
		d.ID = name
	}

	for i := range d.Parts {
		p := &d.Parts[i]
		if p.Type == "" {
			p.Type = "unknown"
		}
		if p.File == "" || p.Template != "" {
			continue
		}

		rel := path.Clean(path.Join(path.Dir(location), p.File))
		if strings.HasPrefix(rel, "..") {
			return nil, &apperrors.RenderError{
				Template: name,
				Part:     p.Type,
				Err:      fmt.Errorf("part file %q is outside the template root", p.File),
			}
		}

		body, err := readFile(rel)
		if err != nil {
			return nil, &apperrors.RenderError{
				Template: name,
				Part:     p.Type,
				Err:      fmt.Errorf("read part file %s: %w", rel, err),
			}
		}
		p.Template = string(body)
	}

	return &d, nil
}
