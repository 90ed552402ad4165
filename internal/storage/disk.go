package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Usage is the on-disk footprint of the stores.
type Usage struct {
	Database     int64
	VectorIndex  int64
	KeywordIndex int64
}

// Total returns the combined size in bytes.
func (u Usage) Total() int64 {
	return u.Database + u.VectorIndex + u.KeywordIndex
}

// DiskUsage measures the SQLite database together with its WAL sidecar files,
// the vector snapshot, and the bleve directory. Missing or empty paths count
// as zero.
func DiskUsage(databasePath, vectorIndexPath, keywordIndexPath string) (Usage, error) {
	var (
		u   Usage
		err error
	)
	if databasePath != "" {
		if u.Database, err = pathSize(databasePath, databasePath+"-wal", databasePath+"-shm"); err != nil {
			return Usage{}, err
		}
	}
	if u.VectorIndex, err = pathSize(vectorIndexPath); err != nil {
		return Usage{}, err
	}
	if u.KeywordIndex, err = pathSize(keywordIndexPath); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func pathSize(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			continue
		}
		err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
