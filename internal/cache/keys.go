package cache

import "fmt"

// SnapshotKey scopes cached snapshots by owner so a cache hit can never
// leak a project across accounts.
func SnapshotKey(accountID, projectID string) string {
	return fmt.Sprintf("project:status:%s:%s", accountID, projectID)
}

func RateLimitKey(accountID string) string {
	return fmt.Sprintf("ratelimit:%s", accountID)
}
