package matching

import "strings"

// FormatList joins items for a human-readable sentence:
// "X", "X & Y", or "X, Y and Z".
func FormatList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " & " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
