package docstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SplitPath validates a dotted field path and returns its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, ".")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// JoinPath builds a dotted path. Segments must not contain dots.
func JoinPath(segments ...string) string {
	return strings.Join(segments, ".")
}

// ApplyFields returns a copy of data with fields merged in. Server timestamp
// sentinels are resolved to now. data is not modified.
func ApplyFields(data map[string]Value, fields Fields, now time.Time) (map[string]Value, error) {
	out := CloneMap(data)
	paths := make([]string, 0, len(fields))
	for path := range fields {
		paths = append(paths, path)
	}
	// Shorter paths first so "answers" then "answers.a" composes predictably.
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})
	for _, path := range paths {
		parts, err := SplitPath(path)
		if err != nil {
			return nil, err
		}
		setPath(out, parts, resolveServerTime(fields[path].Clone(), now))
	}
	return out, nil
}

func setPath(root map[string]Value, parts []string, v Value) {
	node := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part]
		if !ok || child.Kind != KindMap || child.Map == nil {
			child = Map(nil)
			node[part] = child
		}
		node = child.Map
	}
	node[parts[len(parts)-1]] = v
}

func lookup(data map[string]Value, path string) (Value, bool) {
	parts, err := SplitPath(path)
	if err != nil {
		return Value{}, false
	}
	node := data
	for i, part := range parts {
		v, ok := node[part]
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.Kind != KindMap {
			return Value{}, false
		}
		node = v.Map
	}
	return Value{}, false
}

func resolveServerTime(v Value, now time.Time) Value {
	switch v.Kind {
	case KindServerTimestamp:
		return Timestamp(now)
	case KindMap:
		for k, item := range v.Map {
			v.Map[k] = resolveServerTime(item, now)
		}
		return v
	case KindList:
		for i, item := range v.List {
			v.List[i] = resolveServerTime(item, now)
		}
		return v
	default:
		return v
	}
}
