package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RotateIfNeeded rotates the file at path once it has reached maxBytes
// (a ParseSize string). A missing file, or a maxBytes of "" or "0", is
// left alone.
func RotateIfNeeded(path, maxBytes string, backups int) error {
	limit := ParseSize(maxBytes)
	if limit == 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < limit {
		return nil
	}
	return rotateFile(path, backups)
}

// rotateFile shifts path.1..path.N-1 up by one and renames path to path.1.
// With no backups the file is truncated instead.
func rotateFile(path string, backups int) error {
	if backups == 0 {
		return os.Truncate(path, 0)
	}

	_ = os.Remove(fmt.Sprintf("%s.%d", path, backups))
	for i := backups - 1; i >= 1; i-- {
		// Gaps in the backup chain are expected.
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	return os.Rename(path, path+".1")
}

// ParseSize parses a size with an optional B, KB, MB or GB suffix. Unparsable
// input yields 0, meaning unlimited.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return 0
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val * multiplier
}
