package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// file modes
const (
	READ  = 0444
	WRITE = 0644
)

// tmpSuffix marks files that are still being written.  Walkers skip
// them.
const tmpSuffix = ".tmp"

// ErrExists is returned by WriteOnce when the target is already
// present.
var ErrExists = errors.New("object already exists")

// WriteAtomic replaces the file at abs with buf.  Readers see either
// the old or the new content, never a mix.
func WriteAtomic(abs string, buf []byte) (err error) {
	dir := filepath.Dir(abs)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return
	}
	err = renameio.WriteFile(abs, buf, WRITE)
	if err != nil {
		return errors.Wrapf(err, "commit %s", abs)
	}
	log.Debugf("WriteAtomic %s %d bytes", abs, len(buf))
	return
}

// WriteOnce creates the file at abs with content buf.  It never
// replaces an existing file: the data is written to a temp file in
// the same directory and hard-linked into place, so a second writer
// gets ErrExists and the first writer's bytes stay untouched.
func WriteOnce(abs string, buf []byte) (err error) {
	dir := filepath.Dir(abs)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return
	}
	if exists(abs) {
		return ErrExists
	}

	fh, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".*"+tmpSuffix)
	if err != nil {
		return
	}
	tmp := fh.Name()
	defer os.Remove(tmp)

	_, err = fh.Write(buf)
	if err != nil {
		fh.Close()
		return
	}
	err = fh.Sync()
	if err != nil {
		fh.Close()
		return
	}
	err = fh.Close()
	if err != nil {
		return
	}
	err = os.Chmod(tmp, READ)
	if err != nil {
		return
	}

	err = os.Link(tmp, abs)
	if errors.Is(err, syscall.EEXIST) {
		return ErrExists
	}
	if err != nil {
		return errors.Wrapf(err, "link %s", abs)
	}
	log.Debugf("WriteOnce %s %d bytes", abs, len(buf))
	return
}

// ReadIf reads the file at abs.  ok is false if the file does not
// exist.
func ReadIf(abs string) (buf []byte, ok bool, err error) {
	buf, err = os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return
	}
	return buf, true, nil
}

// IsTemp reports whether name is an uncommitted write.
func IsTemp(name string) bool {
	return strings.HasSuffix(name, tmpSuffix) || strings.HasPrefix(name, ".")
}

// WalkFiles calls fn for every committed file under root in lexical
// order.  A missing root is not an error.
func WalkFiles(ctx context.Context, root string, fn func(abs string, buf []byte) error) (err error) {
	if !exists(root) {
		return nil
	}
	return filepath.WalkDir(root, func(abs string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || IsTemp(d.Name()) {
			return nil
		}
		buf, err := os.ReadFile(abs)
		if os.IsNotExist(err) {
			// raced with a writer's temp cleanup
			return nil
		}
		if err != nil {
			return err
		}
		return fn(abs, buf)
	})
}
