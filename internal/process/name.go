package process

import "strings"

// ValidName reports whether s is usable as a process name. Names become part
// of ids and log file names, so only A-Z a-z 0-9 . _ - are allowed and ".."
// is rejected.
func ValidName(s string) bool {
	if s == "" || len(s) > 128 || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
