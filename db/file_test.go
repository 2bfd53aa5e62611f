package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "a", "b", "obj")
	err := WriteAtomic(abs, []byte("one"))
	tassert(t, err == nil, "%v", err)
	err = WriteAtomic(abs, []byte("two"))
	tassert(t, err == nil, "%v", err)
	buf, ok, err := ReadIf(abs)
	tassert(t, err == nil && ok, "ok %v err %v", ok, err)
	tassert(t, string(buf) == "two", "got %q", buf)
}

func TestWriteOnce(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "x", "rec")
	err := WriteOnce(abs, []byte("first"))
	tassert(t, err == nil, "%v", err)
	err = WriteOnce(abs, []byte("second"))
	tassert(t, errors.Is(err, ErrExists), "expected ErrExists, got %v", err)
	buf, _, _ := ReadIf(abs)
	tassert(t, string(buf) == "first", "got %q", buf)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(abs))
	tassert(t, err == nil, "%v", err)
	tassert(t, len(entries) == 1, "entries %v", entries)
}

func TestWriteOnceRace(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "rec")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WriteOnce(abs, []byte("x"))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	tassert(t, wins == 1, "wins %d", wins)
}

func TestReadIfMissing(t *testing.T) {
	buf, ok, err := ReadIf(filepath.Join(t.TempDir(), "nope"))
	tassert(t, err == nil && !ok && buf == nil, "buf %v ok %v err %v", buf, ok, err)
}

func TestWalkFilesSkipsTemp(t *testing.T) {
	dir := t.TempDir()
	err := WriteAtomic(filepath.Join(dir, "b", "two"), []byte("2"))
	tassert(t, err == nil, "%v", err)
	err = WriteAtomic(filepath.Join(dir, "a", "one"), []byte("1"))
	tassert(t, err == nil, "%v", err)
	err = os.WriteFile(filepath.Join(dir, "a", ".one.123.tmp"), []byte("junk"), 0644)
	tassert(t, err == nil, "%v", err)

	var got []string
	err = WalkFiles(context.Background(), dir, func(abs string, buf []byte) error {
		got = append(got, string(buf))
		return nil
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, len(got) == 2 && got[0] == "1" && got[1] == "2", "got %v", got)

	err = WalkFiles(context.Background(), filepath.Join(dir, "missing"), nil)
	tassert(t, err == nil, "%v", err)
}
