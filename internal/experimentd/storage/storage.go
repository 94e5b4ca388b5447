package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/experrors"
)

// Storage copies the outputs of one experiment into the outputs of another.
// I/O problems are returned as *experrors.ErrStorage.
type Storage interface {
	CopyOutputs(ctx context.Context, sourceName, destName string) error
}

// LocalStorage keeps outputs on a local or shared filesystem under root/{experiment name}.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{root: root}
}

// OutputsPath returns root/experimentName. Names that don't resolve to a directory below root are rejected.
func (s *LocalStorage) OutputsPath(experimentName string) (string, error) {
	root := filepath.Clean(s.root)
	path := filepath.Join(root, experimentName)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("outputs of experiment %q would not be under %s", experimentName, s.root)
	}
	return path, nil
}

func (s *LocalStorage) CopyOutputs(ctx context.Context, sourceName, destName string) error {
	wrap := func(err error) error {
		return &experrors.ErrStorage{Source: sourceName, Dest: destName, Err: err}
	}
	source, err := s.OutputsPath(sourceName)
	if err != nil {
		return wrap(err)
	}
	dest, err := s.OutputsPath(destName)
	if err != nil {
		return wrap(err)
	}
	if err := copyTree(ctx, source, dest); err != nil {
		return wrap(err)
	}
	return nil
}

func copyTree(ctx context.Context, source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return errors.WithStack(err)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", source)
	}
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return errors.WithStack(err)
		}
		target := filepath.Join(dest, rel)
		info, err := d.Info()
		if err != nil {
			return errors.WithStack(err)
		}
		switch {
		case d.IsDir():
			return errors.WithStack(os.MkdirAll(target, info.Mode().Perm()))
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// sockets, devices and symlinks aren't outputs
			return nil
		}
	})
}

func copyFile(source, dest string, mode fs.FileMode) error {
	in, err := os.Open(source)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(out.Close())
}
