package extractor

import (
	"github.com/tidwall/gjson"
)

// normalizePath accepts "$.field" and "field" syntax; a bare "$" selects the
// whole document.
func normalizePath(path string) string {
	if len(path) > 0 && path[0] == '$' {
		if len(path) > 1 && path[1] == '.' {
			return path[2:]
		}
		if len(path) == 1 {
			return "@this"
		}
	}
	return path
}

func lookup(body []byte, path string) (gjson.Result, bool) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return gjson.Result{}, false
	}
	return result, true
}
