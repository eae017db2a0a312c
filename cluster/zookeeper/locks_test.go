package zookeeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDs(t *testing.T) {
	locks := NewLockEntries([]string{
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000002",
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000001",
	}, DefaultPrefix)

	// Test IDs.
	assert.Equal(t, []int{1, 2}, locks.IDs(), "Unexpected IDs list")
}

func TestLockPath(t *testing.T) {
	locks := NewLockEntries([]string{
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000001",
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000002",
	}, DefaultPrefix)

	expectedLocks := map[int]string{
		1: "_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000001",
		2: "_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000002",
	}

	// Test ID to znode value.
	for id, expectedZnode := range expectedLocks {
		znode, err := locks.LockPath(id)
		if err != nil {
			t.Errorf("Unexpected error: %s", err)
		}
		assert.Equal(t, expectedZnode, znode, "incorrect znode")
	}

	_, err := locks.LockPath(3)
	assert.NotNil(t, err)
}

func TestFirst(t *testing.T) {
	locks := NewLockEntries([]string{"lock-0000000007", "lock-0000000003"}, DefaultPrefix)
	first, err := locks.First()
	assert.Nil(t, err)
	assert.Equal(t, 3, first)

	_, err = NewLockEntries(nil, DefaultPrefix).First()
	assert.NotNil(t, err)
}

func TestLockAhead(t *testing.T) {
	locks := NewLockEntries([]string{"lock-0000000001", "lock-0000000004", "lock-0000000009"}, DefaultPrefix)

	ahead, err := locks.LockAhead(9)
	assert.Nil(t, err)
	assert.Equal(t, 4, ahead)

	// Nothing is ahead of the first claim.
	_, err = locks.LockAhead(1)
	assert.NotNil(t, err)

	// Unknown IDs have no position.
	_, err = locks.LockAhead(5)
	assert.NotNil(t, err)
}

func TestResolveNumericOrder(t *testing.T) {
	// Sequence numbers wider than the zero padding must still sort
	// numerically, not lexically.
	names := []string{"lock-10", "lock-9", "lock-2", "lock-100"}

	tests := []struct {
		self     string
		rank     int
		expected string
	}{
		{self: "lock-2", rank: 0, expected: ""},
		{self: "lock-9", rank: 1, expected: "lock-2"},
		{self: "lock-10", rank: 2, expected: "lock-9"},
		{self: "lock-100", rank: 3, expected: "lock-10"},
	}

	for _, test := range tests {
		r := Resolve(names, test.self, DefaultPrefix)
		assert.True(t, r.Found, test.self)
		assert.Equal(t, test.rank, r.Rank, test.self)
		assert.Equal(t, test.expected, r.Ahead, test.self)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := Resolve([]string{"lock-0000000001", "lock-0000000003"}, "lock-0000000002", DefaultPrefix)
	assert.False(t, r.Found)

	r = Resolve([]string{"lock-0000000001"}, "not-sequential", DefaultPrefix)
	assert.False(t, r.Found)
}

func TestResolveIgnoresJunk(t *testing.T) {
	names := []string{
		"config",
		"sub0000000001",
		"lock-0000000004",
		"lock-",
		"_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000006",
	}

	r := Resolve(names, "_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000006", DefaultPrefix)
	assert.True(t, r.Found)
	assert.Equal(t, 1, r.Rank)
	assert.Equal(t, "lock-0000000004", r.Ahead)

	// A different prefix selects a different queue.
	r = Resolve(names, "sub0000000001", "sub")
	assert.True(t, r.Found)
	assert.Equal(t, 0, r.Rank)
}

func TestResolveDeterministic(t *testing.T) {
	orders := [][]string{
		{"lock-0000000003", "lock-0000000001", "lock-0000000002"},
		{"lock-0000000002", "lock-0000000003", "lock-0000000001"},
		{"lock-0000000001", "lock-0000000002", "lock-0000000003"},
	}

	expected := Resolve(orders[0], "lock-0000000003", DefaultPrefix)
	for _, names := range orders[1:] {
		assert.Equal(t, expected, Resolve(names, "lock-0000000003", DefaultPrefix))
	}
	assert.Equal(t, Resolution{Found: true, Rank: 2, Ahead: "lock-0000000002"}, expected)
}

func TestIDFromZnode(t *testing.T) {
	tests := map[string]int{
		"/locks/_c_979cb11f40bb3dbc6908edeaac8f2de1-lock-0000000012": 12,
		"lock-0000000000": 0,
		"sub2147483647":   2147483647,
	}

	for znode, expected := range tests {
		id, err := idFromZnode(znode)
		assert.Nil(t, err, znode)
		assert.Equal(t, expected, id, znode)
	}

	for _, znode := range []string{"", "lock-", "/locks/config"} {
		_, err := idFromZnode(znode)
		assert.Equal(t, ErrInvalidSeqNode, err, znode)
	}
}
