package util

import "strings"

// OriginAllowed reports whether origin appears in the comma separated allow
// list. "*" admits any origin and an empty list admits none.
func OriginAllowed(allowed, origin string) bool {
	if origin == "" {
		return false
	}
	for _, entry := range strings.Split(allowed, ",") {
		entry = strings.TrimSuffix(strings.TrimSpace(entry), "/")
		if entry == "*" || (entry != "" && strings.EqualFold(entry, origin)) {
			return true
		}
	}
	return false
}
