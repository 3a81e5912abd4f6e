package catalog

import "strings"

// Tool names travel in three shapes: the raw name a provider advertises
// ("read_file"), the qualified name models are instructed to emit
// ("filesystem__read_file"), and a legacy single-underscore prefix
// ("filesystem_read_file") that still shows up in planned calls.

// Qualified joins a provider and raw tool name into the logical name.
func Qualified(provider, raw string) string {
	return provider + "__" + raw
}

// Legacy returns the deprecated single-underscore form.
func Legacy(provider, raw string) string {
	return provider + "_" + raw
}

// SplitQualified splits a qualified name on its first "__". It returns
// ok=false for names without a separator or with an empty provider part.
func SplitQualified(name string) (provider, raw string, ok bool) {
	i := strings.Index(name, "__")
	if i <= 0 {
		return "", name, false
	}
	return name[:i], name[i+2:], true
}
