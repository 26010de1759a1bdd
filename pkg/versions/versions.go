package versions

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

// VersionName identifies one version: a monotonically increasing index
// plus the identity of the stored data at that version.
type VersionName struct {
	Index uint64        `json:"index"`
	ID    name.Identity `json:"id"`
}

// IsZero reports whether v is the absent parent used when putting the
// first version of a row.
func (v VersionName) IsZero() bool {
	return v == VersionName{}
}

func (v VersionName) key() string {
	return fmt.Sprintf("%020d:%x", v.Index, v.ID[:])
}

type node struct {
	Name     VersionName   `json:"name"`
	Parent   VersionName   `json:"parent"`
	Children []VersionName `json:"children"`
}

// Versions is the version graph of one mutable row: a tree rooted at the
// oldest retained version, bounded in total size and in number of tips.
// Every non-root has exactly one parent, so the graph is acyclic by
// construction.
type Versions struct {
	maxVersions int
	maxBranches int
	root        VersionName
	nodes       map[string]*node
}

// New creates an empty graph with the given caps.
func New(maxVersions, maxBranches int) *Versions {
	return &Versions{
		maxVersions: maxVersions,
		maxBranches: maxBranches,
		nodes:       make(map[string]*node),
	}
}

// Put appends a new version whose parent is old. The zero VersionName
// as old roots the graph. old must already be present; appending to an
// interior version opens a new branch, subject to the branch cap.
func (v *Versions) Put(old, next VersionName) error {
	if next.IsZero() {
		return fmt.Errorf("%w: zero version name", types.ErrMalformedName)
	}
	if _, exists := v.nodes[next.key()]; exists {
		return types.ErrDuplicateData
	}
	if old.IsZero() {
		if len(v.nodes) != 0 {
			return fmt.Errorf("%w: row already has a root", types.ErrDuplicateData)
		}
		v.nodes[next.key()] = &node{Name: next, Parent: old}
		v.root = next
		return nil
	}
	parent, ok := v.nodes[old.key()]
	if !ok {
		return fmt.Errorf("%w: unknown parent version %s", types.ErrNotFound, old.key())
	}
	if len(parent.Children) > 0 && v.tipCount() >= v.maxBranches {
		// Appending under a version that already has a child adds a tip.
		return types.ErrTooManyBranches
	}
	if len(v.nodes) >= v.maxVersions {
		if err := v.dropOldestRoot(); err != nil {
			return err
		}
		// The parent may have been the root just dropped.
		if _, ok := v.nodes[old.key()]; !ok {
			return fmt.Errorf("%w: parent version %s evicted", types.ErrNotFound, old.key())
		}
	}
	v.nodes[next.key()] = &node{Name: next, Parent: old}
	parent = v.nodes[old.key()]
	parent.Children = append(parent.Children, next)
	return nil
}

// dropOldestRoot garbage-collects the oldest version to make room. The
// root can only go when it has a single child to take its place;
// otherwise the graph is full at a fork and the put is refused.
func (v *Versions) dropOldestRoot() error {
	root := v.nodes[v.root.key()]
	if len(root.Children) != 1 {
		return types.ErrTooManyVersions
	}
	child := root.Children[0]
	delete(v.nodes, v.root.key())
	v.root = child
	v.nodes[child.key()].Parent = VersionName{}
	return nil
}

func (v *Versions) tipCount() int {
	count := 0
	for _, n := range v.nodes {
		if len(n.Children) == 0 {
			count++
		}
	}
	return count
}

// Tips returns the current tip versions in deterministic order.
func (v *Versions) Tips() []VersionName {
	var tips []VersionName
	for _, n := range v.nodes {
		if len(n.Children) == 0 {
			tips = append(tips, n.Name)
		}
	}
	sortVersions(tips)
	return tips
}

// Len reports the number of versions retained.
func (v *Versions) Len() int {
	return len(v.nodes)
}

// Branch walks from tip back to the root and returns the chain,
// tip first. The tip must be an actual tip.
func (v *Versions) Branch(tip VersionName) ([]VersionName, error) {
	n, ok := v.nodes[tip.key()]
	if !ok {
		return nil, fmt.Errorf("%w: version %s", types.ErrNotFound, tip.key())
	}
	if len(n.Children) != 0 {
		return nil, fmt.Errorf("%w: %s is not a tip", types.ErrNotFound, tip.key())
	}
	var chain []VersionName
	for {
		chain = append(chain, n.Name)
		if n.Parent.IsZero() {
			return chain, nil
		}
		n = v.nodes[n.Parent.key()]
	}
}

// DeleteBranchUntilFork removes versions starting at tip and walking
// toward the root, stopping at the first version that has another child
// or is the root of a sole surviving branch. Returns true when the
// graph became empty.
func (v *Versions) DeleteBranchUntilFork(tip VersionName) (bool, error) {
	n, ok := v.nodes[tip.key()]
	if !ok || len(n.Children) != 0 {
		return false, fmt.Errorf("%w: version %s is not a tip", types.ErrNotFound, tip.key())
	}
	for {
		delete(v.nodes, n.Name.key())
		if n.Parent.IsZero() {
			return len(v.nodes) == 0, nil
		}
		parent := v.nodes[n.Parent.key()]
		parent.Children = removeChild(parent.Children, n.Name)
		if len(parent.Children) > 0 {
			return false, nil
		}
		n = parent
	}
}

func removeChild(children []VersionName, child VersionName) []VersionName {
	out := children[:0]
	for _, c := range children {
		if c != child {
			out = append(out, c)
		}
	}
	return out
}

// serialized is the persisted form: nodes sorted by key so equal graphs
// marshal byte-identically on every replica.
type serialized struct {
	MaxVersions int         `json:"max_versions"`
	MaxBranches int         `json:"max_branches"`
	Root        VersionName `json:"root"`
	Nodes       []*node     `json:"nodes"`
}

// Marshal serializes the graph deterministically.
func (v *Versions) Marshal() ([]byte, error) {
	s := serialized{
		MaxVersions: v.maxVersions,
		MaxBranches: v.maxBranches,
		Root:        v.root,
	}
	for _, n := range v.nodes {
		sortVersions(n.Children)
		s.Nodes = append(s.Nodes, n)
	}
	sort.Slice(s.Nodes, func(i, j int) bool {
		return s.Nodes[i].Name.key() < s.Nodes[j].Name.key()
	})
	return json.Marshal(&s)
}

// Unmarshal restores a graph produced by Marshal.
func Unmarshal(data []byte) (*Versions, error) {
	var s serialized
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode version graph: %w", err)
	}
	v := New(s.MaxVersions, s.MaxBranches)
	v.root = s.Root
	for _, n := range s.Nodes {
		v.nodes[n.Name.key()] = n
	}
	return v, nil
}

func sortVersions(vs []VersionName) {
	sort.Slice(vs, func(i, j int) bool {
		return vs[i].key() < vs[j].key()
	})
}
