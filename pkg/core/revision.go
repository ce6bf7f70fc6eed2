package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// RevID identifies one revision of a document: "<generation>-<digest>".
type RevID string

// NewRevID derives the id of the child of parent with the given body.
// Ids are content addressed, so the same edit yields the same id everywhere.
func NewRevID(parent RevID, body []byte, deleted bool) RevID {
	buf := make([]byte, 0, len(parent)+len(body)+4)
	buf = append(buf, parent...)
	buf = append(buf, 0)
	if deleted {
		buf = append(buf, 'd')
	} else {
		buf = append(buf, 'l')
	}
	buf = append(buf, 0)
	buf = append(buf, body...)
	sum := xxh3.Hash128(buf)
	return RevID(fmt.Sprintf("%d-%016x%016x", parent.Generation()+1, sum.Hi, sum.Lo))
}

// ParseRevID validates s.
func ParseRevID(s string) (RevID, error) {
	r := RevID(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid revision id %q", s)
	}
	return r, nil
}

// Generation returns the numeric prefix, or 0 when the id is malformed or empty.
func (r RevID) Generation() int {
	i := strings.IndexByte(string(r), '-')
	if i <= 0 {
		return 0
	}
	n, err := strconv.Atoi(string(r[:i]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Digest returns the part after the generation.
func (r RevID) Digest() string {
	i := strings.IndexByte(string(r), '-')
	if i < 0 {
		return ""
	}
	return string(r[i+1:])
}

// Valid reports whether r is well formed.
func (r RevID) Valid() bool {
	return r.Generation() > 0 && r.Digest() != ""
}

// Compare orders revision ids by generation, then digest.
func (r RevID) Compare(o RevID) int {
	if g1, g2 := r.Generation(), o.Generation(); g1 != g2 {
		if g1 < g2 {
			return -1
		}
		return 1
	}
	return strings.Compare(r.Digest(), o.Digest())
}

// Revision is one node of a document's revision tree.
type Revision struct {
	ID       RevID
	Parent   RevID
	Deleted  bool
	Sequence uint64
	HasBody  bool
}

// Generation returns the revision's generation.
func (r Revision) Generation() int { return r.ID.Generation() }

// RevTree is the revision history of a single document. Once revisions
// arrive from other replicas it can hold several leaves.
type RevTree struct {
	DocID string
	revs  map[RevID]*Revision
}

// NewRevTree builds a tree from stored revisions.
func NewRevTree(docID string, revs []Revision) *RevTree {
	t := &RevTree{DocID: docID, revs: make(map[RevID]*Revision, len(revs))}
	for _, r := range revs {
		t.Add(r)
	}
	return t
}

// Add inserts or replaces a revision.
func (t *RevTree) Add(r Revision) {
	rr := r
	t.revs[r.ID] = &rr
}

// Get returns the revision with the given id.
func (t *RevTree) Get(id RevID) (Revision, bool) {
	if t == nil {
		return Revision{}, false
	}
	r, ok := t.revs[id]
	if !ok {
		return Revision{}, false
	}
	return *r, true
}

// Contains reports whether id is part of the tree.
func (t *RevTree) Contains(id RevID) bool {
	_, ok := t.Get(id)
	return ok
}

// Len returns the number of revisions.
func (t *RevTree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.revs)
}

// Empty reports whether the tree holds no revisions.
func (t *RevTree) Empty() bool { return t.Len() == 0 }

// Revisions returns all revisions ordered by sequence.
func (t *RevTree) Revisions() []Revision {
	out := make([]Revision, 0, t.Len())
	if t == nil {
		return out
	}
	for _, r := range t.revs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Leaves returns the revisions without children, best candidate first.
func (t *RevTree) Leaves() []Revision {
	if t == nil {
		return nil
	}
	parents := make(map[RevID]bool, len(t.revs))
	for _, r := range t.revs {
		if r.Parent != "" {
			parents[r.Parent] = true
		}
	}
	var leaves []Revision
	for id, r := range t.revs {
		if !parents[id] {
			leaves = append(leaves, *r)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return winsOver(leaves[i], leaves[j]) })
	return leaves
}

// LiveLeaves returns the non-deleted leaves, best candidate first.
func (t *RevTree) LiveLeaves() []Revision {
	var live []Revision
	for _, r := range t.Leaves() {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	return live
}

// IsLeaf reports whether id has no children.
func (t *RevTree) IsLeaf(id RevID) bool {
	if !t.Contains(id) {
		return false
	}
	for _, r := range t.revs {
		if r.Parent == id {
			return false
		}
	}
	return true
}

// Winner returns the current revision: live leaves beat tombstones, then the
// higher generation, then the greater digest. Every replica picks the same one.
func (t *RevTree) Winner() (Revision, bool) {
	leaves := t.Leaves()
	if len(leaves) == 0 {
		return Revision{}, false
	}
	return leaves[0], true
}

// Conflicted reports whether more than one live leaf exists.
func (t *RevTree) Conflicted() bool {
	return len(t.LiveLeaves()) > 1
}

// History returns id followed by its known ancestors, newest first.
func (t *RevTree) History(id RevID) []RevID {
	var out []RevID
	seen := make(map[RevID]bool)
	for id != "" && !seen[id] {
		r, ok := t.Get(id)
		if !ok {
			break
		}
		seen[id] = true
		out = append(out, id)
		id = r.Parent
	}
	return out
}

// CommonAncestor returns the newest revision both a and b descend from.
func (t *RevTree) CommonAncestor(a, b RevID) (RevID, bool) {
	ancestors := make(map[RevID]bool)
	for _, id := range t.History(a) {
		ancestors[id] = true
	}
	for _, id := range t.History(b) {
		if ancestors[id] {
			return id, true
		}
	}
	return "", false
}

func winsOver(a, b Revision) bool {
	if a.Deleted != b.Deleted {
		return !a.Deleted
	}
	return a.ID.Compare(b.ID) > 0
}
