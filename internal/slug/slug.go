// Package slug turns task ids and titles into ref-safe names.
package slug

import "strings"

// Slugify converts the provided text to a lowercase ASCII slug with hyphens.
func Slugify(text string) string {
	return normalize(text, false)
}

// RefComponent converts text into one ref path component. Case, dots and
// underscores survive; anything git rejects collapses to a hyphen.
func RefComponent(text string) string {
	component := normalize(text, true)
	for strings.Contains(component, "..") {
		component = strings.ReplaceAll(component, "..", ".")
	}
	component = strings.Trim(component, ".")
	component = strings.TrimSuffix(component, ".lock")
	return component
}

// Branch joins a prefix and a task id into a branch name. An empty prefix
// yields the bare component.
func Branch(prefix, id string) string {
	component := RefComponent(id)
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return component
	}
	return prefix + "/" + component
}

func normalize(text string, keepRefChars bool) string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return ""
	}
	if !keepRefChars {
		clean = strings.ToLower(clean)
	}

	var builder strings.Builder
	builder.Grow(len(clean))
	prevHyphen := false
	for _, r := range clean {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			prevHyphen = false
		case keepRefChars && (r >= 'A' && r <= 'Z' || r == '.' || r == '_'):
			builder.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				builder.WriteRune('-')
				prevHyphen = true
			}
		}
	}

	return strings.Trim(builder.String(), "-")
}
