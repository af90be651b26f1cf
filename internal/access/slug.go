package access

import (
	"strings"

	"github.com/distribution/reference"
)

const maxSlugLen = 48

// Slug lowercases s, collapses every run of characters outside [a-z0-9] into
// one hyphen, trims hyphens from both ends and truncates to 48 characters.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	out := b.String()
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	return out
}

// ImageBasename reduces an image reference to its last repository path
// segment plus tag: "ghcr.io/m1k1o/neko/firefox:latest@sha256:..." becomes
// "firefox:latest". Registry, namespace and digest are dropped.
func ImageBasename(image string) string {
	image = strings.TrimSpace(image)
	if image == "" {
		return ""
	}
	if named, err := reference.ParseNormalizedNamed(image); err == nil {
		path := reference.Path(named)
		base := path[strings.LastIndex(path, "/")+1:]
		if tagged, ok := named.(reference.Tagged); ok {
			return base + ":" + tagged.Tag()
		}
		return base
	}
	return fallbackBasename(image)
}

// fallbackBasename handles references the parser rejects, such as names with
// upper-case letters.
func fallbackBasename(image string) string {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	return image[strings.LastIndex(image, "/")+1:]
}
