// Package diff estimates line-level change counts between two text blobs.
package diff

import "strings"

// Stats holds line-level change counts for one content transition.
type Stats struct {
	Added      int
	Removed    int
	Modified   int
	TotalLines int
}

// Estimate compares two text blobs line by line at matching positions.
// Lines past the end of the old text count as added, lines past the end
// of the new text count as removed, and differing lines at the same
// index count as modified. TotalLines is the line count of the new text.
//
// This is a positional comparison, not a content-aligned one: a single
// inserted line shifts every following line and reports them as
// modified rather than added. That is intentionally cheap and good
// enough for the revision summaries it feeds.
func Estimate(oldText, newText string) Stats {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	stats := Stats{TotalLines: len(newLines)}
	maxLen := len(oldLines)
	if len(newLines) > maxLen {
		maxLen = len(newLines)
	}

	for i := 0; i < maxLen; i++ {
		switch {
		case i >= len(oldLines):
			stats.Added++
		case i >= len(newLines):
			stats.Removed++
		case oldLines[i] != newLines[i]:
			stats.Modified++
		}
	}
	return stats
}
