package catalog

import "strings"

// tmpPathKeys are the parameter names the /tmp compatibility rewrite
// applies to. Only string values are touched.
var tmpPathKeys = []string{
	"path", "file_path", "directory", "target",
	"targetPath", "sourcePath", "destinationPath",
}

// RewriteTmpPaths maps /tmp references to /private/tmp in the well-known
// path parameters, returning a shallow copy when anything changed. macOS
// filesystem servers resolve /tmp through the symlink and then refuse the
// path, so the rewrite happens before dispatch. Callers gate it per
// provider.
func RewriteTmpPaths(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}

	var out map[string]any
	for _, key := range tmpPathKeys {
		value, ok := params[key].(string)
		if !ok {
			continue
		}
		rewritten, changed := rewriteTmp(value)
		if !changed {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(params))
			for k, v := range params {
				out[k] = v
			}
		}
		out[key] = rewritten
	}
	if out == nil {
		return params
	}
	return out
}

func rewriteTmp(path string) (string, bool) {
	if path == "/tmp" {
		return "/private/tmp", true
	}
	if strings.HasPrefix(path, "/tmp/") {
		return "/private/tmp" + path[len("/tmp"):], true
	}
	return path, false
}
