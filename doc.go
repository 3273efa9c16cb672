/*

Snapback is a content-addressable, deduplicating backup engine.  It
chunks source files, stores each unique chunk exactly once in a
write-once content store, and describes every snapshot with an
immutable manifest mapping relative paths to ordered chunk addresses.
Restore is the reverse: fetch chunks by address, concatenate in
manifest order, verify.

Vocabulary:

- store: the on-disk database; holds the chunk dir, the manifest dir,
  the chunk index, and config.json
- chunk: deduplication atom; a content-addressed byte range stored as
  a WORM file
- algo: name (string) of the hash algorithm used for addressing
- addr: universally-unique address of a chunk; algo + "/" + hash
- subdir: three-character hexadecimal segment of a hash
- subdirs: one or more subdir segments inserted in a chunk's disk path
  to keep directory sizes small; the number of subdirs is fixed at
  store creation
- manifest: complete description of one snapshot; maps relative paths
  to entries
- entry: one file, directory, or symlink in a manifest; file entries
  carry an ordered list of chunk addrs plus a whole-content hash
- snapshot id: timestamped name of a manifest; "latest" is a symlink
  to the newest one
- work plan: the classified difference between two manifests
  (added / modified / removed / unchanged)
- ignore predicate: caller-supplied func(relpath) bool; true excludes
  the path, and for directories the whole subtree

*/
package snapback
