package canon

import (
	"fmt"
	"strings"
)

// ResolveTemplates walks a JSON-path-like mini-DSL (segments separated by
// "/", a bare "*" segment meaning "every element of this array") rooted at
// obj, and returns every map it reaches. A path that can't be resolved
// against obj, or a "*" segment aimed at something that isn't an array, is
// a configuration error — fatal at startup, recoverable only by an
// operator fixing the tracker config.
func ResolveTemplates(obj map[string]interface{}, path string) ([]map[string]interface{}, error) {
	segments := splitPath(path)
	return resolvePath(obj, segments, path)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func resolvePath(node interface{}, segments []string, fullPath string) ([]map[string]interface{}, error) {
	if len(segments) == 0 {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("template path %q resolves to a %T, not an object", fullPath, node)
		}
		return []map[string]interface{}{m}, nil
	}

	seg := segments[0]
	rest := segments[1:]

	if seg == "*" {
		arr, ok := node.([]interface{})
		if !ok {
			return nil, fmt.Errorf("template path %q: wildcard segment expects an array, got %T", fullPath, node)
		}
		var out []map[string]interface{}
		for i, elem := range arr {
			sub, err := resolvePath(elem, rest, fullPath)
			if err != nil {
				return nil, fmt.Errorf("%w (at index %d)", err, i)
			}
			out = append(out, sub...)
		}
		return out, nil
	}

	m, ok := node.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("template path %q: segment %q expects an object, got %T", fullPath, seg, node)
	}
	child, exists := m[seg]
	if !exists {
		return nil, fmt.Errorf("template path %q: segment %q not found", fullPath, seg)
	}
	return resolvePath(child, rest, fullPath)
}
