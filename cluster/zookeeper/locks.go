package zookeeper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LockEntries is a container of lock claims under a lock group.
type LockEntries struct {
	// Map of lock ID integer to the znode name.
	m map[int]string
	// List of IDs ascending.
	l []int
}

// Resolution describes where a claim sits in the lock queue.
type Resolution struct {
	// Found is false if the claim isn't present in the listing.
	Found bool
	// Rank is the number of claims ahead of ours; 0 means we own the lock.
	Rank int
	// Ahead is the znode name immediately ahead of ours when Rank > 0.
	Ahead string
}

// NewLockEntries builds a LockEntries from an unordered list of child znode
// names. Names that don't end in prefix followed by a sequence number are
// ignored.
func NewLockEntries(names []string, prefix string) LockEntries {
	var locks = LockEntries{
		m: map[int]string{},
		l: []int{},
	}

	for _, n := range names {
		if !strings.Contains(n, prefix) {
			continue
		}
		id, err := idFromZnode(n)
		// Ignore junk entries.
		if err == ErrInvalidSeqNode {
			continue
		}
		locks.m[id] = n
		locks.l = append(locks.l, id)
	}

	sort.Ints(locks.l)

	return locks
}

// Resolve ranks the claim named self among names. It's deterministic: the same
// set of names always yields the same Resolution.
func Resolve(names []string, self, prefix string) Resolution {
	thisID, err := idFromZnode(self)
	if err != nil {
		return Resolution{}
	}

	locks := NewLockEntries(names, prefix)

	rank, found := locks.Rank(thisID)
	if !found {
		return Resolution{}
	}

	r := Resolution{Found: true, Rank: rank}
	if rank > 0 {
		ahead, _ := locks.LockAhead(thisID)
		r.Ahead, _ = locks.LockPath(ahead)
	}

	return r
}

// IDs returns all claim IDs ascending.
func (le LockEntries) IDs() []int {
	return le.l
}

// First returns the ID with the lowest value.
func (le LockEntries) First() (int, error) {
	if len(le.IDs()) == 0 {
		return 0, fmt.Errorf("no active locks")
	}

	return le.IDs()[0], nil
}

// LockPath takes a lock ID and returns the znode name.
func (le LockEntries) LockPath(id int) (string, error) {
	if path, exists := le.m[id]; exists {
		return path, nil
	}
	return "", fmt.Errorf("failed to get lock path; referenced ID doesn't exist")
}

// Rank returns the position of id in the ascending ID list and whether it's
// present at all.
func (le LockEntries) Rank(id int) (int, bool) {
	i := sort.SearchInts(le.l, id)
	if i < len(le.l) && le.l[i] == id {
		return i, true
	}
	return 0, false
}

// LockAhead returns the lock ahead of the ID provided.
func (le LockEntries) LockAhead(id int) (int, error) {
	if i, ok := le.Rank(id); ok && i > 0 {
		return le.l[i-1], nil
	}

	return 0, fmt.Errorf("unable to determine which lock to enqueue behind")
}

// idFromZnode returns the trailing sequence number of a znode name or path,
// e.g. 12 for "/locks/_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000012".
func idFromZnode(s string) (int, error) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}

	if i == len(s) {
		return 0, ErrInvalidSeqNode
	}

	id, err := strconv.Atoi(s[i:])
	if err != nil {
		return 0, ErrInvalidSeqNode
	}

	return id, nil
}
