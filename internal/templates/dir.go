package templates

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/models"
)

// DirSource reads descriptors from a directory tree:
//
//	<root>/<name>.yaml
//	<root>/<name>/message.yaml
type DirSource struct {
	fsys fs.FS
	log  *zap.Logger
}

func NewDirSource(dir string, logger *zap.Logger) *DirSource {
	return NewFSSource(os.DirFS(dir), logger)
}

// NewFSSource serves descriptors from any fs.FS, such as an embedded bundle.
func NewFSSource(fsys fs.FS, logger *zap.Logger) *DirSource {
	return &DirSource{fsys: fsys, log: logger}
}

func (s *DirSource) Resolve(ctx context.Context, name, mode string) (*models.TemplateDescriptor, error) {
	if err := checkName(name, mode); err != nil {
		return nil, err
	}

	for _, location := range candidates(name) {
		data, err := fs.ReadFile(s.fsys, location)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		d, err := decodeDescriptor(name, location, data, func(rel string) ([]byte, error) {
			return fs.ReadFile(s.fsys, rel)
		})
		if err != nil {
			return nil, err
		}

		if !d.SupportsMode(mode) {
			s.log.Debug("template does not support mode",
				zap.String("template", name),
				zap.String("mode", mode),
				zap.Strings("modes", d.Modes),
			)
			return nil, &apperrors.TemplateNotFoundError{Name: name, Mode: mode}
		}

		return d, nil
	}

	return nil, &apperrors.TemplateNotFoundError{Name: name, Mode: mode}
}
