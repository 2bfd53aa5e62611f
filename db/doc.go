/*

Package db is a partitioned, file-addressable store for member records.

Vocabulary:

- abspath: absolute path on hard disk, including the bucket subdir
- relpath: path relative to db.Dir, including the bucket subdir
- canpath: canonical path; class and key without the bucket subdir
- class: top-level directory an object lives under (users, fund)
- key: object identifier; for members, the member id
- bucket: partition number, xxhash(key) mod db.Buckets; the number of
  buckets is fixed at database creation and never changes
- object: one msgpack-encoded record stored as one file and replaced
  as a unit by renaming a fully written temp file over it
- version: per-object counter bumped on every committed write;
  PutWithVersion only commits when the stored version matches the
  caller's expectation
- lock file: empty file under lock/ that serializes the compare and
  the write of a single object across goroutines and processes; a
  lock is never held across more than one object

*/

package db
