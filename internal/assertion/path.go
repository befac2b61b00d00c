package assertion

import (
	"strconv"
	"strings"
)

// ResolvePath walks a dotted/bracket path ("foo.bar[2].baz") over a payload
// of nested maps and slices. found=false when any segment is absent.
func ResolvePath(payload any, path string) (any, bool) {
	segments, ok := splitPath(path)
	if !ok {
		return nil, false
	}
	current := payload
	for _, seg := range segments {
		if seg.isIndex {
			list, ok := current.([]any)
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil, false
			}
			current = list[seg.index]
			continue
		}
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[seg.key]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}

type pathSegment struct {
	key     string
	index   int
	isIndex bool
}

func splitPath(path string) ([]pathSegment, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	var segments []pathSegment
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		key := part
		var indexes []int
		for {
			open := strings.Index(key, "[")
			if open < 0 {
				break
			}
			closing := strings.Index(key[open:], "]")
			if closing < 0 {
				return nil, false
			}
			idxText := key[open+1 : open+closing]
			idx, err := strconv.Atoi(strings.TrimSpace(idxText))
			if err != nil || idx < 0 {
				return nil, false
			}
			indexes = append(indexes, idx)
			key = key[:open] + key[open+closing+1:]
		}
		if key != "" {
			segments = append(segments, pathSegment{key: key})
		} else if len(indexes) == 0 {
			return nil, false
		}
		for _, idx := range indexes {
			segments = append(segments, pathSegment{index: idx, isIndex: true})
		}
	}
	if len(segments) == 0 {
		return nil, false
	}
	return segments, true
}
