// Package store implements the content-addressed store: it promotes a
// completed download's artifact into a deduplicated, reference-counted
// location on disk and owns the StoredFile/UserFile rows that track it.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/crmmc/aria2deck/core"
)

// HashPath computes the content digest of path, which may be a regular
// file or a directory. Files are digested whole. Directories are digested
// by folding the sorted sequence of (relative path, that file's own
// digest) pairs into a single running hash, so the result is deterministic
// and reproducible across hosts regardless of filesystem walk order.
func HashPath(path string) (core.Digest, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return core.Digest{}, err
	}
	if info.IsDir() {
		return hashDirectory(path)
	}
	return hashFile(path)
}

func hashFile(path string) (core.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Digest{}, err
	}
	defer f.Close()
	d := core.NewDigester()
	return d.FromReader(bufio.NewReaderSize(f, 1<<20))
}

func hashDirectory(root string) (core.Digest, error) {
	var relPaths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return core.Digest{}, fmt.Errorf("walk %s: %s", root, err)
	}
	sort.Strings(relPaths)

	d := core.NewDigester()
	for _, rel := range relPaths {
		fileDigest, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return core.Digest{}, fmt.Errorf("hash %s: %s", rel, err)
		}
		d.Update([]byte(rel))
		d.Update([]byte(fileDigest.Hex()))
	}
	return d.Digest(), nil
}

// dirSize sums the size of every regular file under root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// shardPath returns <root>/store/<hash[0:2]>/<hash>, the content-addressed
// destination for a digest's hex value.
func shardPath(root string, hex string) string {
	prefix := hex
	if len(prefix) > 2 {
		prefix = hex[:2]
	}
	return filepath.Join(root, "store", prefix, hex)
}

// storeRoot returns <root>/store, creating it if necessary.
func storeRoot(root string) (string, error) {
	dir := filepath.Join(root, "store")
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	return dir, nil
}
