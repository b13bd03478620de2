package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/addrsync/internal/etl"
	"github.com/addrsync/internal/model"
)

// RegisterUpload stores src under name in the import directory and
// registers it as a pending file. An empty mode means delta.
func (s *Service) RegisterUpload(ctx context.Context, name string, src io.Reader, mode string) (*model.ImportedFile, error) {
	m := model.ModeDelta
	if mode != "" {
		var err error
		if m, err = model.ParseImportMode(mode); err != nil {
			return nil, err
		}
	}

	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) || !etl.Importable(name) {
		return nil, fmt.Errorf("file name %q: %w", name, model.ErrValidation)
	}
	dst := filepath.Join(s.importDir, name)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%s is already in the import directory: %w", name, model.ErrValidation)
	}

	size, err := s.store(dst, src)
	if err != nil {
		return nil, err
	}

	rec, err := s.files.Create(ctx, &model.ImportedFile{Filename: name, Size: size, Mode: m})
	if err != nil {
		os.Remove(dst)
		return nil, err
	}
	s.log.WithField("file", name).WithField("mode", m).Info("upload registered")
	return rec, nil
}

// store writes src next to dst under a name the importer ignores and
// renames it into place once complete.
func (s *Service) store(dst string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.importDir, ".upload-*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	size, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to move upload into place: %w", err)
	}
	return size, nil
}

// ListFiles lists registered source files, newest first.
func (s *Service) ListFiles(ctx context.Context, limit int) ([]model.ImportedFile, error) {
	return s.files.List(ctx, clampLimit(limit))
}

// StateView summarises the dataset.
type StateView struct {
	State           *model.DatasetState `json:"state"`
	Points          map[string]int64    `json:"points"`
	BuildingNumbers int64               `json:"building_numbers"`
}

// DatasetState returns the dataset marker with point and reference counts.
func (s *Service) DatasetState(ctx context.Context) (*StateView, error) {
	st, err := s.state.Get(ctx)
	if err != nil {
		return nil, err
	}
	points, err := s.points.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	n, err := s.buildings.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &StateView{State: st, Points: points, BuildingNumbers: n}, nil
}
