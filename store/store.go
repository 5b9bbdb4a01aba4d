package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/klog"
)

// Store owns the content-addressed filesystem layout under root/store and
// the StoredFile/UserFile rows that track reference counts against it.
type Store struct {
	db   *sqlx.DB
	root string
}

// New returns a Store rooted at root (the download root configured for the
// process; root/store is created on demand).
func New(db *sqlx.DB, root string) *Store {
	return &Store{db: db, root: root}
}

// MoveToStore computes sourcePath's content hash, promotes it into the
// content-addressed layout, and returns the resulting StoredFile row
// (existing or newly created). The caller is responsible for creating a
// UserFile reference; ref_count starts at zero.
func (s *Store) MoveToStore(sourcePath, originalName string) (*core.StoredFile, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %s", err)
	}
	digest, err := HashPath(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %s", sourcePath, err)
	}
	contentHash := digest.Hex()

	if existing, err := s.getByContentHash(contentHash); err != nil {
		return nil, err
	} else if existing != nil {
		klog.Infof("File already in store: %s, removing duplicate at %s", contentHash, sourcePath)
		if err := os.RemoveAll(sourcePath); err != nil {
			klog.Warnf("Failed to remove duplicate source %s: %s", sourcePath, err)
		}
		return existing, nil
	}

	var size int64
	isDir := info.IsDir()
	if isDir {
		size, err = dirSize(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("directory size: %s", err)
		}
	} else {
		size = info.Size()
	}

	dest := shardPath(s.root, contentHash)
	if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
		return nil, fmt.Errorf("mkdir shard: %s", err)
	}

	if _, err := os.Stat(dest); err == nil {
		// A concurrent promotion of the same content already won the race.
		klog.Warnf("Store path already exists: %s", dest)
		if err := os.RemoveAll(sourcePath); err != nil {
			klog.Warnf("Failed to remove redundant source %s: %s", sourcePath, err)
		}
	} else if err := os.Rename(sourcePath, dest); err != nil {
		return nil, fmt.Errorf("rename into store: %s", err)
	}

	sf := &core.StoredFile{
		ContentHash:  contentHash,
		RealPath:     dest,
		Size:         size,
		IsDirectory:  isDir,
		OriginalName: originalName,
		RefCount:     0,
		CreatedAt:    time.Now(),
	}
	_, err = s.db.NamedExec(`
		INSERT INTO stored_file (content_hash, real_path, size, is_directory, original_name, ref_count, created_at)
		VALUES (:content_hash, :real_path, :size, :is_directory, :original_name, :ref_count, :created_at)
	`, sf)
	if err != nil {
		if se, ok := err.(sqlite3.Error); ok &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			existing, gerr := s.getByContentHash(contentHash)
			if gerr != nil {
				return nil, gerr
			}
			if existing == nil {
				return nil, fmt.Errorf("unique violation on %s but no row found", contentHash)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert stored_file: %s", err)
	}
	return s.getByContentHash(contentHash)
}

func (s *Store) getByContentHash(contentHash string) (*core.StoredFile, error) {
	var sf core.StoredFile
	err := s.db.Get(&sf, `SELECT * FROM stored_file WHERE content_hash = ?`, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sf, nil
}

// GetByID returns the StoredFile with the given id.
func (s *Store) GetByID(id int64) (*core.StoredFile, error) {
	var sf core.StoredFile
	err := s.db.Get(&sf, `SELECT * FROM stored_file WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &sf, err
}

// CreateUserFileReference creates a user's reference to storedFileID inside
// a single transaction: it checks for an existing (owner_id,
// stored_file_id) row, inserts the new UserFile, and increments
// StoredFile.ref_count together. If the insert loses a unique-constraint
// race the whole transaction is rolled back (undoing the ref-count
// increment too) and nil is returned: the critical idempotency contract is
// that a user's reference count equals the number of distinct StoredFiles
// they reference.
func (s *Store) CreateUserFileReference(ownerID, storedFileID int64, displayName string) (*core.UserFile, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing core.UserFile
	err = tx.Get(&existing, `SELECT * FROM user_file WHERE owner_id = ? AND stored_file_id = ?`,
		ownerID, storedFileID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if displayName == "" {
		var sf core.StoredFile
		if err := tx.Get(&sf, `SELECT * FROM stored_file WHERE id = ?`, storedFileID); err != nil {
			return nil, fmt.Errorf("lookup stored file %d: %s", storedFileID, err)
		}
		displayName = sf.OriginalName
	}

	uf := &core.UserFile{
		OwnerID:      ownerID,
		StoredFileID: storedFileID,
		DisplayName:  displayName,
		CreatedAt:    time.Now(),
	}
	res, err := tx.NamedExec(`
		INSERT INTO user_file (owner_id, stored_file_id, display_name, created_at)
		VALUES (:owner_id, :stored_file_id, :display_name, :created_at)
	`, uf)
	if err != nil {
		if se, ok := err.(sqlite3.Error); ok &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert user_file: %s", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	uf.ID = id

	if _, err := tx.Exec(`UPDATE stored_file SET ref_count = ref_count + 1 WHERE id = ?`, storedFileID); err != nil {
		return nil, fmt.Errorf("increment ref_count: %s", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	klog.Infof("Created user file reference: user=%d, stored_file=%d", ownerID, storedFileID)
	return uf, nil
}

// DeleteUserFileReference deletes userFileID's row, decrements the parent
// StoredFile's ref_count, and if the count drops to zero removes the
// physical artifact and the StoredFile row. Concurrent deletes of the same
// UserFile are idempotent: only the first succeeds, the rest return false.
func (s *Store) DeleteUserFileReference(userFileID int64) (bool, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var uf core.UserFile
	err = tx.Get(&uf, `SELECT * FROM user_file WHERE id = ?`, userFileID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(`DELETE FROM user_file WHERE id = ?`, userFileID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`UPDATE stored_file SET ref_count = ref_count - 1 WHERE id = ?`, uf.StoredFileID); err != nil {
		return false, err
	}

	var sf core.StoredFile
	err = tx.Get(&sf, `SELECT * FROM stored_file WHERE id = ?`, uf.StoredFileID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	shouldDeletePhysical := err == nil && sf.RefCount <= 0
	if shouldDeletePhysical {
		if _, err := tx.Exec(`DELETE FROM stored_file WHERE id = ?`, uf.StoredFileID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if shouldDeletePhysical {
		if err := os.RemoveAll(sf.RealPath); err != nil {
			// A filesystem failure here is logged but does not roll the DB
			// state back; the path stays on disk with no StoredFile row, so
			// CleanupOrphanedStoredFiles does not find it.
			klog.Errorf("Failed to delete physical file %s: %s", sf.RealPath, err)
		} else {
			klog.Infof("Deleted physical file: %s", sf.RealPath)
		}
	}
	return true, nil
}

// CleanupOrphanedStoredFiles removes any StoredFile row with ref_count <= 0
// together with its physical path, such as a row MoveToStore recorded that
// never gained a UserFile reference. It only scans stored_file rows; a path
// whose row is already gone is not reached.
func (s *Store) CleanupOrphanedStoredFiles() (int, error) {
	var orphans []core.StoredFile
	if err := s.db.Select(&orphans, `SELECT * FROM stored_file WHERE ref_count <= 0`); err != nil {
		return 0, err
	}
	count := 0
	for _, sf := range orphans {
		if _, err := s.db.Exec(`DELETE FROM stored_file WHERE id = ?`, sf.ID); err != nil {
			klog.Errorf("Failed to delete orphaned stored_file %d: %s", sf.ID, err)
			continue
		}
		if err := os.RemoveAll(sf.RealPath); err != nil {
			klog.Errorf("Failed to remove orphaned path %s: %s", sf.RealPath, err)
		}
		count++
	}
	if count > 0 {
		klog.Infof("Cleaned up %d orphaned stored files", count)
	}
	return count, nil
}

// CleanupTaskDownloadDir removes the task-private downloading directory
// after a terminal transition.
func (s *Store) CleanupTaskDownloadDir(taskID int64) error {
	dir := filepath.Join(s.root, "downloading", fmt.Sprint(taskID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove task dir %s: %s", dir, err)
	}
	return nil
}

// TaskDownloadDir returns (creating if absent) the task-private directory
// the daemon is instructed to download into.
func (s *Store) TaskDownloadDir(taskID int64) (string, error) {
	dir := filepath.Join(s.root, "downloading", fmt.Sprint(taskID))
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	return dir, nil
}

// EnsureRoot creates root/store and root/downloading if they do not exist.
func (s *Store) EnsureRoot() error {
	if _, err := storeRoot(s.root); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, "downloading"), 0775)
}
