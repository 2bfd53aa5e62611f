package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/stevegt/goadapt"
)

// DefaultBuckets is the partition count used when Create is called
// with Buckets unset.
const DefaultBuckets = 1024

// Db is a partitioned key-value store for member records.  Dir is the
// base directory.  Buckets is the number of partitions under users/;
// it is written to config.json at creation and must never change,
// because the bucket of a key is a pure function of the key and the
// bucket count.
type Db struct {
	Dir     string // base of tree
	Buckets int    // number of bucket dirs under users/

	// LockPoll is the initial delay between attempts to take a
	// contended lock.  Not persisted.
	LockPoll time.Duration `json:"-"`
}

// Open loads an existing db object from dir.
func Open(dir string) (db *Db, err error) {
	dir = filepath.Clean(dir)

	if !canstat(dir) {
		return nil, fmt.Errorf("cannot open: %s", dir)
	}

	// load config
	buf, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, &NotDbError{Dir: dir}
	}
	db = &Db{}
	err = json.Unmarshal(buf, db)
	if err != nil {
		return
	}
	if db.Buckets < 1 {
		return nil, fmt.Errorf("%s: invalid bucket count %d", dir, db.Buckets)
	}
	// the directory may have been moved since creation
	db.Dir = dir

	return
}

// Create initializes a db directory and its contents.
func (db Db) Create() (out *Db, err error) {
	defer Return(&err)

	dir := filepath.Clean(db.Dir)
	Assert(dir != "" && dir != ".", "db.Dir is empty")
	db.Dir = dir

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.DirEntry
		files, err = os.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	if db.Buckets < 1 {
		db.Buckets = DefaultBuckets
	}

	err = mkdir(dir)
	Ck(err)

	// member records, one subdir per bucket (created on first write)
	err = mkdir(filepath.Join(dir, classUsers))
	Ck(err)

	// singleton aggregates such as the company fund
	err = mkdir(filepath.Join(dir, classFund))
	Ck(err)

	// lock files live in their own tree so walkers never see them
	err = mkdir(filepath.Join(dir, "lock"))
	Ck(err)

	buf, err := json.Marshal(db)
	Ck(err)
	err = os.WriteFile(filepath.Join(dir, "config.json"), buf, 0644)
	Ck(err)

	return &db, nil
}

type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return
		}
	}
	return
}
