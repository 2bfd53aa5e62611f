package db

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// object classes
const (
	classUsers = "users"
	classFund  = "fund"
	classLock  = "lock"
)

// MaxKeyLen is the longest key accepted as a file name.
const MaxKeyLen = 200

// Path locates one object in the store.  Objects in the users class
// are spread across bucket subdirs; other classes are flat.
type Path struct {
	Db     *Db
	Class  string
	Key    string
	Bucket int
	Abs    string // absolute
	Rel    string // relative
	Canon  string // canonical
}

// BucketOf returns the partition a key lives in.  The result depends
// only on the key and the bucket count.
func (db *Db) BucketOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(db.Buckets))
}

func bucketDir(bucket int) string {
	return fmt.Sprintf("%04d", bucket)
}

// ValidKey reports whether key can be used as an object name.
func ValidKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("empty key")
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("invalid key: %q", key)
	case len(key) > MaxKeyLen:
		return fmt.Errorf("key too long: %d bytes", len(key))
	case strings.ContainsAny(key, "/\x00"):
		return fmt.Errorf("invalid character in key: %q", key)
	case strings.HasSuffix(key, tmpSuffix):
		return fmt.Errorf("reserved suffix in key: %q", key)
	}
	return nil
}

// New builds the path of the object named key in class.
func (path Path) New(db *Db, class, key string) (res *Path, err error) {
	err = ValidKey(key)
	if err != nil {
		return
	}
	path.Db = db
	path.Class = class
	path.Key = key
	path.Canon = filepath.Join(class, key)
	switch class {
	case classUsers:
		path.Bucket = db.BucketOf(key)
		path.Rel = filepath.Join(class, bucketDir(path.Bucket), key)
	default:
		path.Bucket = -1
		path.Rel = path.Canon
	}
	path.Abs = filepath.Join(db.Dir, path.Rel)
	return &path, nil
}

// LockPath returns the lock file that guards the object at path.
func (path *Path) LockPath() string {
	return filepath.Join(path.Db.Dir, classLock, path.Rel)
}
