// ABOUTME: Filesystem destination adapter: copies instances into a directory tree shaped by a tag naming pattern.
// ABOUTME: "No space" and "not writable" are transient; everything else fails the destination permanently.
package dest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dcm"
)

type fsAdapter struct {
	name          string
	root          string
	createSubdirs bool
	pattern       string
}

var _ Adapter = (*fsAdapter)(nil)

func newFSAdapter(cfg config.Destination) *fsAdapter {
	return &fsAdapter{
		name:          cfg.Name,
		root:          cfg.Path,
		createSubdirs: cfg.CreateSubdirs,
		pattern:       cfg.NamingPattern,
	}
}

// Echo probes that the target directory exists and is writable.
func (a *fsAdapter) Echo(ctx context.Context) error {
	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return classifyFS(err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// SendStudy copies each instance under the pattern-expanded subdirectory.
// Pattern placeholders ({PatientID}, {StudyDate}, ...) are filled from each
// instance's own tags.
func (a *fsAdapter) SendStudy(ctx context.Context, files []string, sc SendContext) (*SendResult, error) {
	start := time.Now()
	res := &SendResult{}
	var lastErr error

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, Transient(err)
		}
		dir, err := a.targetDir(path, sc)
		if err != nil {
			res.FilesFailed++
			lastErr = err
			continue
		}
		if err := copyFile(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			res.FilesFailed++
			lastErr = classifyFS(err)
			continue
		}
		res.FilesTransferred++
	}

	res.Duration = time.Since(start)
	res.Success = res.FilesFailed == 0 && res.FilesTransferred > 0
	if res.FilesTransferred == 0 && lastErr != nil {
		return nil, lastErr
	}
	res.Message = fmt.Sprintf("copied %d of %d instances into %s", res.FilesTransferred, len(files), a.root)
	return res, nil
}

func (a *fsAdapter) Close() error { return nil }

// targetDir resolves and creates the per-instance destination directory.
func (a *fsAdapter) targetDir(path string, sc SendContext) (string, error) {
	dir := a.root
	if a.createSubdirs && a.pattern != "" {
		obj, err := dcm.ReadFile(path)
		if err != nil {
			return "", Permanent(fmt.Errorf("read %s: %w", path, err))
		}
		dir = filepath.Join(a.root, obj.ExpandPattern(a.pattern))
	} else if a.createSubdirs {
		dir = filepath.Join(a.root, sc.StudyUID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", classifyFS(err)
	}
	return dir, nil
}

// classifyFS treats out-of-space and permission conditions as transient; an
// operator can free space or fix ownership without losing the study.
func classifyFS(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS) {
		return Transient(err)
	}
	return Permanent(err)
}

// copyFile copies src to dst via a temp file and rename.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
