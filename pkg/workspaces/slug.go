package workspaces

import (
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Slugify derives a URL-safe slug: lower case, spaces to dashes, only
// [a-z0-9-] kept, dash runs collapsed and trimmed.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)

	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	if slug == "" {
		return "workspace"
	}
	return slug
}

// AutoName names a self-service workspace after its owner
func AutoName(owner *storage.User) string {
	if fields := strings.Fields(owner.Name); len(fields) > 0 {
		return fields[0] + "'s Workspace"
	}
	if local, _, ok := strings.Cut(owner.Email, "@"); ok && local != "" {
		return local + "'s Workspace"
	}
	return "My Workspace"
}
