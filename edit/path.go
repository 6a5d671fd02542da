package edit

import (
	"fmt"
	"strconv"
	"strings"
)

// splitPath splits a slash separated path into its segments. As in JSON
// pointers, ~1 stands for a slash and ~0 for a tilde inside a segment.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
	}
	return segs
}

// parentPath splits a path into the path of the parent and the last segment.
func parentPath(path string) ([]string, string, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, "", fmt.Errorf("%w: path %q has no key", ErrPathNotFound, path)
	}
	return segs[:len(segs)-1], segs[len(segs)-1], nil
}

func parseIndex(seg string) (int, error) {
	index, err := strconv.Atoi(seg)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: invalid list index %q", ErrPathNotFound, seg)
	}
	return index, nil
}

func child(obj *Object, seg string) (*Node, error) {
	if !obj.Type.IsSequence() {
		conflicts, ok := obj.props[seg]
		if !ok {
			return nil, fmt.Errorf("%w: key %q", ErrPathNotFound, seg)
		}
		return conflicts.Winner(), nil
	}
	index, err := parseIndex(seg)
	if err != nil {
		return nil, err
	}
	elem, err := obj.Element(index)
	if err != nil {
		return nil, err
	}
	return elem.Values.Winner(), nil
}

// resolve returns the object at the given path segments.
func resolve(root *Object, segs []string) (*Object, error) {
	obj := root
	for _, seg := range segs {
		node, err := child(obj, seg)
		if err != nil {
			return nil, err
		}
		if node.Object == nil {
			return nil, fmt.Errorf("%w: %q is not an object", ErrPathNotFound, seg)
		}
		obj = node.Object
	}
	return obj, nil
}
