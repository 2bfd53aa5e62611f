package db

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPath(t *testing.T) {
	db := setup(t, nil)

	path, err := Path{}.New(db, "users", "alice")
	tassert(t, err == nil, "%#v", err)

	bucket := db.BucketOf("alice")
	tassert(t, path.Bucket == bucket, "bucket %d != %d", path.Bucket, bucket)
	tassert(t, bucket >= 0 && bucket < db.Buckets, "bucket out of range: %d", bucket)

	expect := filepath.Join("users", bucketDir(bucket), "alice")
	tassert(t, path.Rel == expect, "expected %s, got %s", expect, path.Rel)
	tassert(t, path.Abs == filepath.Join(db.Dir, expect), "abs %s", path.Abs)
	tassert(t, path.Canon == "users/alice", "canon %s", path.Canon)
	tassert(t, path.LockPath() == filepath.Join(db.Dir, "lock", expect), "lock %s", path.LockPath())

	fund, err := Path{}.New(db, "fund", "company")
	tassert(t, err == nil, "%#v", err)
	tassert(t, fund.Rel == "fund/company", "rel %s", fund.Rel)
}

func TestBucketOfStable(t *testing.T) {
	a := &Db{Buckets: 1024}
	b := &Db{Buckets: 1024}
	seen := map[int]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		tassert(t, a.BucketOf(id) == b.BucketOf(id), "unstable bucket for %s", id)
		seen[a.BucketOf(id)] = true
	}
	tassert(t, len(seen) > 1, "all keys in one bucket")
	tassert(t, bucketDir(7) == "0007", "dir %s", bucketDir(7))
}

func TestValidKey(t *testing.T) {
	bad := []string{"", ".", "..", ".hidden", "a/b", "a\x00b", "x.tmp", strings.Repeat("k", MaxKeyLen+1)}
	for _, key := range bad {
		tassert(t, ValidKey(key) != nil, "accepted %q", key)
	}
	good := []string{"alice", "6f1c9a4e-1d2b-4c84-9a3e-0b7d5f2a1c11", "MLM-ABC123"}
	for _, key := range good {
		tassert(t, ValidKey(key) == nil, "rejected %q", key)
	}
}
