package db

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/stevegt/goadapt"
)

const testDbDirPrefix = "monoline"

func setup(t *testing.T, db *Db) *Db {
	var err error
	var dir string

	if db == nil {
		db = &Db{}
	}
	Assert(db.Dir == "")

	debug := os.Getenv("DEBUG")
	if debug == "1" {
		dir, err = ioutil.TempDir("", testDbDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
		// automatically cleaned up
	}
	db.Dir = dir

	db, err = db.Create()
	Ck(err)
	db, err = Open(dir)
	Ck(err)
	tassert(t, db != nil, "db is nil")

	return db
}

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestCreate(t *testing.T) {
	db := setup(t, nil)
	tassert(t, db.Buckets == DefaultBuckets, "buckets %d", db.Buckets)
	for _, sub := range []string{"users", "fund", "lock", "config.json"} {
		tassert(t, exists(filepath.Join(db.Dir, sub)), "missing %s", sub)
	}

	// a populated directory is refused
	_, err := Db{Dir: db.Dir}.Create()
	_, ok := err.(*ExistsError)
	tassert(t, ok, "expected ExistsError, got %#v", err)
}

func TestCreateBuckets(t *testing.T) {
	db := setup(t, &Db{Buckets: 7})
	tassert(t, db.Buckets == 7, "buckets %d", db.Buckets)
}

func TestOpenNotDb(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	_, ok := err.(*NotDbError)
	tassert(t, ok, "expected NotDbError, got %#v", err)

	_, err = Open(filepath.Join(dir, "nonexistent"))
	tassert(t, err != nil, "expected error")
}

func TestOpenMoved(t *testing.T) {
	db := setup(t, nil)
	dst := filepath.Join(t.TempDir(), "moved")
	err := os.Rename(db.Dir, dst)
	tassert(t, err == nil, "%v", err)
	moved, err := Open(dst)
	tassert(t, err == nil, "%v", err)
	tassert(t, moved.Dir == dst, "dir %s", moved.Dir)
}

func TestMkdir(t *testing.T) {
	err := mkdir("/proc/foobar")
	if err == nil {
		t.Fatal("expected error, got none")
	}
}
