package util

import (
	"fmt"
	"strings"
)

// FormatFullName joins a Telegram user's first and last name into a display
// name. Deleted accounts don't carry a usable name, so they render as
// "Deleted Account <id>" instead of a blank or stale name.
func FormatFullName(first, last string, deleted bool, userID int64) string {
	if deleted {
		return fmt.Sprintf("Deleted Account %d", userID)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s", first, last))
}
