// Package locktree tracks which paths under a root are protected from
// deletion. Each node is unregistered, locked or unlocked; a registered node
// becomes eligible for deletion once it and all of its descendants are
// unlocked.
package locktree

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// State of a node.
type State int

const (
	Unregistered State = iota
	Locked
	Unlocked
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	}
	return "unregistered"
}

type node struct {
	name     string
	state    State
	children map[string]*node
}

func newNode(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

// hasLocked reports whether n or any descendant is locked.
func (n *node) hasLocked() bool {
	if n.state == Locked {
		return true
	}
	for _, c := range n.children {
		if c.hasLocked() {
			return true
		}
	}
	return false
}

// Tree is a LockTree. It is not safe for concurrent use.
type Tree struct {
	root string
	top  *node
}

// PathError is returned for paths outside the root.
type PathError struct {
	Root string
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q is not under %q", e.Path, e.Root)
}

// UnknownPathError is returned when unlocking a path that was never locked.
type UnknownPathError struct {
	Path string
}

func (e *UnknownPathError) Error() string {
	return fmt.Sprintf("path %q is not registered", e.Path)
}

// New creates a tree rooted at root, which must be absolute.
func New(root string) *Tree {
	root = filepath.Clean(root)
	return &Tree{root: root, top: newNode(root)}
}

// Root returns the root path.
func (t *Tree) Root() string {
	return t.root
}

// split converts p into path components relative to the root.
func (t *Tree) split(p string) ([]string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(t.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(t.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, &PathError{Root: t.root, Path: p}
	}
	if rel == "." {
		return nil, nil
	}
	return strings.Split(rel, string(filepath.Separator)), nil
}

func (t *Tree) find(parts []string) *node {
	n := t.top
	for _, part := range parts {
		n = n.children[part]
		if n == nil {
			return nil
		}
	}
	return n
}

// Lock marks p locked, creating unregistered intermediate nodes.
func (t *Tree) Lock(p string) error {
	parts, err := t.split(p)
	if err != nil {
		return err
	}
	n := t.top
	for _, part := range parts {
		c := n.children[part]
		if c == nil {
			c = newNode(part)
			n.children[part] = c
		}
		n = c
	}
	n.state = Locked
	return nil
}

// Unlock marks a registered p unlocked.
func (t *Tree) Unlock(p string) error {
	parts, err := t.split(p)
	if err != nil {
		return err
	}
	n := t.find(parts)
	if n == nil || n.state == Unregistered {
		return &UnknownPathError{Path: t.join(parts)}
	}
	n.state = Unlocked
	return nil
}

// State returns the state of p. Paths absent from the tree are unregistered.
func (t *Tree) State(p string) (State, error) {
	parts, err := t.split(p)
	if err != nil {
		return Unregistered, err
	}
	n := t.find(parts)
	if n == nil {
		return Unregistered, nil
	}
	return n.state, nil
}

// Eligible returns the top-most registered paths that can be deleted: each is
// unlocked and has no locked descendant. Descendants of a returned path are
// not listed separately. The result is sorted.
func (t *Tree) Eligible() []string {
	var out []string
	var walk func(n *node, parts []string)
	walk = func(n *node, parts []string) {
		if n.state != Unregistered && !n.hasLocked() {
			out = append(out, t.join(parts))
			return
		}
		for name, c := range n.children {
			walk(c, append(parts[:len(parts):len(parts)], name))
		}
	}
	walk(t.top, nil)
	sort.Strings(out)
	return out
}

// Locked returns the registered paths whose subtree still holds a lock.
func (t *Tree) Locked() []string {
	var out []string
	var walk func(n *node, parts []string)
	walk = func(n *node, parts []string) {
		if n.state != Unregistered && n.hasLocked() {
			out = append(out, t.join(parts))
		}
		for name, c := range n.children {
			walk(c, append(parts[:len(parts):len(parts)], name))
		}
	}
	walk(t.top, nil)
	sort.Strings(out)
	return out
}

// Remove deletes p and its subtree from the tree. Removing the root resets
// the tree.
func (t *Tree) Remove(p string) error {
	parts, err := t.split(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		t.top = newNode(t.root)
		return nil
	}
	parent := t.find(parts[:len(parts)-1])
	if parent == nil || parent.children[parts[len(parts)-1]] == nil {
		return &UnknownPathError{Path: t.join(parts)}
	}
	delete(parent.children, parts[len(parts)-1])
	return nil
}

// Collect returns the eligible paths and removes them from the tree.
func (t *Tree) Collect() []string {
	paths := t.Eligible()
	for _, p := range paths {
		_ = t.Remove(p)
	}
	return paths
}

func (t *Tree) join(parts []string) string {
	return filepath.Join(append([]string{t.root}, parts...)...)
}
