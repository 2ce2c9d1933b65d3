package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"tangled.org/loom/log"
	"tangled.org/loom/models"
)

// Source says where a job's workspace content comes from. Repo wins
// over Dir; with neither set jobs start from an empty directory.
type Source struct {
	// Dir is a local directory whose contents seed the workspace.
	Dir string

	// Repo is a git URL shallow-cloned into the workspace.
	Repo  string
	Ref   string
	Depth int
}

// Manager hands each job an isolated working directory under base and
// materializes the pipeline source into it. Jobs never share a
// directory; the job id is part of the path.
type Manager struct {
	base   string
	source Source
	l      *slog.Logger
}

func New(ctx context.Context, base string, source Source) *Manager {
	return &Manager{
		base:   base,
		source: source,
		l:      log.FromContext(ctx).With("component", "workspace"),
	}
}

// Dir returns the job's workspace path. It exists only between
// Prepare and Remove.
func (m *Manager) Dir(id models.JobId) string {
	return filepath.Join(m.base, id.String())
}

func (m *Manager) Prepare(ctx context.Context, id models.JobId) (string, error) {
	dir := m.Dir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	switch {
	case m.source.Repo != "":
		if err := m.clone(ctx, dir); err != nil {
			return "", fmt.Errorf("cloning %s: %w", m.source.Repo, err)
		}
	case m.source.Dir != "":
		if err := m.copyTree(m.source.Dir, dir); err != nil {
			return "", fmt.Errorf("copying %s: %w", m.source.Dir, err)
		}
	}

	m.l.Debug("prepared workspace", "job", id, "dir", dir)
	return dir, nil
}

func (m *Manager) Remove(id models.JobId) error {
	return os.RemoveAll(m.Dir(id))
}

func (m *Manager) clone(ctx context.Context, dir string) error {
	depth := m.source.Depth
	if depth == 0 {
		depth = 1
	}

	opts := &git.CloneOptions{
		URL:   m.source.Repo,
		Depth: depth,
	}
	if m.source.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(m.source.Ref)
		opts.SingleBranch = true
	}

	_, err := git.PlainCloneContext(ctx, dir, false, opts)
	return err
}

// copyTree copies src into dst, preserving permissions and symlinks.
// The manager's own base dir is skipped so a source dir that contains
// the workspace base never recurses into it.
func (m *Manager) copyTree(src, dst string) error {
	absBase, err := filepath.Abs(m.base)
	if err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if abs == absBase || strings.HasPrefix(abs, absBase+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
