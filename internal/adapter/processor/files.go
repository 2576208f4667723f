package processor

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// movedFile is a result file: its name as produced and where it landed.
type movedFile struct {
	name string
	path string
}

// moveFiles moves files from srcDir to targetDir. A file whose name is
// taken gets a numbered name instead of overwriting.
func moveFiles(jobID int64, srcDir, targetDir string) ([]movedFile, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}

	// Collect file names for logging
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	log.Printf("job %d: found %d file(s): %v", jobID, len(files), files)

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, err
	}

	var moved []movedFile
	for _, name := range files {
		src := filepath.Join(srcDir, name)
		dst := uniquePath(targetDir, name)
		if base := filepath.Base(dst); base != name {
			log.Printf("job %d: %s exists, saving as %s", jobID, name, base)
		}

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return nil, err
			}
			os.Remove(src)
		}
		moved = append(moved, movedFile{name: name, path: dst})
	}
	log.Printf("job %d: moved %d file(s) to %s", jobID, len(moved), targetDir)
	return moved, nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// mainFile picks the result file among files: the one produced as prefer
// if given, else the largest.
func mainFile(files []movedFile, prefer string) (string, int64) {
	var best string
	var bestSize int64 = -1
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		if prefer != "" && f.name == prefer {
			return f.path, info.Size()
		}
		if info.Size() > bestSize {
			best, bestSize = f.path, info.Size()
		}
	}
	if bestSize < 0 {
		bestSize = 0
	}
	return best, bestSize
}

// uniquePath returns dir/name, or dir/"name (n).ext" when that exists.
func uniquePath(dir, name string) string {
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dst = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			return dst
		}
	}
}

// safeName reduces name to a plain file name, or returns fallback.
func safeName(name, fallback string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == "" || name == ".." {
		return fallback
	}
	return name
}
