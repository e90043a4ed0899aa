package logsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// backupName returns the k-th rotated sibling of path, e.g. bot.log.2.
func backupName(path string, k int) string { return path + "." + strconv.Itoa(k) }

// Rotate shifts path.(k) to path.(k+1) for k < maxFiles, discards
// path.(maxFiles), and moves the active file to path.1. At most maxFiles
// rotated siblings survive. With maxFiles <= 0 the active file is truncated.
func Rotate(path string, maxFiles int) error {
	if maxFiles <= 0 {
		if err := os.Truncate(path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("truncate %s: %w", path, err)
		}
		return nil
	}
	if err := os.Remove(backupName(path, maxFiles)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove oldest log: %w", err)
	}
	for k := maxFiles - 1; k >= 1; k-- {
		err := os.Rename(backupName(path, k), backupName(path, k+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("shift log %d: %w", k, err)
		}
	}
	if err := os.Rename(path, backupName(path, 1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate active log: %w", err)
	}
	return nil
}

// Files lists the active log and its numbered siblings that exist on disk,
// active first then .1, .2, ...
func Files(path string) []string {
	var out []string
	if _, err := os.Stat(path); err == nil {
		out = append(out, path)
	}
	matches, _ := filepath.Glob(path + ".*")
	type numbered struct {
		k    int
		name string
	}
	var backups []numbered
	for _, m := range matches {
		k, err := strconv.Atoi(strings.TrimPrefix(m, path+"."))
		if err != nil || k <= 0 {
			continue
		}
		backups = append(backups, numbered{k, m})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].k < backups[j].k })
	for _, b := range backups {
		out = append(out, b.name)
	}
	return out
}

// RemoveAll deletes the active log and every numbered sibling.
func RemoveAll(path string) error {
	var errs []error
	for _, f := range Files(path) {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
