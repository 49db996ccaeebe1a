package storage

// ShortID returns the first 8 chars of a CDP target ID. It is the short form
// used in logs, notifications and tab listings.
func ShortID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}
