package validate

import "strings"

// synonymGroups is the closed rename table the schema validator consults
// when a required parameter is missing. Keys are compared in folded form
// (lowercase, separators stripped), which also covers camelCase and
// snake_case variants of the same word. Extending the table is an
// explicit code change, never runtime registration.
var synonymGroups = [][]string{
	{"path", "file", "filename", "filepath", "location", "destination"},
	{"url", "link", "address", "uri", "href"},
	{"content", "text", "data", "body", "value", "message"},
	{"selector", "element", "target", "locator", "query"},
	{"command", "cmd", "script", "exec", "run"},
}

var synonymIndex = buildSynonymIndex()

func buildSynonymIndex() map[string]int {
	idx := make(map[string]int)
	for group, words := range synonymGroups {
		for _, w := range words {
			idx[foldKey(w)] = group
		}
	}
	return idx
}

// Synonymous reports whether two parameter names mean the same thing:
// either they fold to the same key (camelCase vs snake_case) or both
// belong to the same synonym group.
func Synonymous(a, b string) bool {
	fa, fb := foldKey(a), foldKey(b)
	if fa == fb {
		return true
	}
	ga, okA := synonymIndex[fa]
	gb, okB := synonymIndex[fb]
	return okA && okB && ga == gb
}

// FindSynonym returns the first provided key that is synonym-equivalent
// to the missing parameter name.
func FindSynonym(missing string, provided []string) (string, bool) {
	for _, key := range provided {
		if key != missing && Synonymous(missing, key) {
			return key, true
		}
	}
	return "", false
}

// foldKey lowers a parameter name and strips separators, so file_path,
// filePath, and FilePath all fold to filepath.
func foldKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if r == '_' || r == '-' {
			continue
		}
		b.WriteRune(toLowerRune(r))
	}
	return b.String()
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
