package denylist

import "testing"

func TestContainsSeeded(t *testing.T) {
	set := NewSet([]int64{1, 2})
	if !set.Contains(1) || !set.Contains(2) {
		t.Fatal("seeded ids should be flagged")
	}
	if set.Contains(3) {
		t.Fatal("unseeded id should not be flagged")
	}
}

func TestPropagateCoopFlagsAllMembers(t *testing.T) {
	set := NewSet([]int64{5})

	if set.PropagateCoop([]int64{6, 7}) {
		t.Fatal("group without a flagged member must not propagate")
	}
	if set.Contains(6) || set.Contains(7) {
		t.Fatal("clean group members should stay unflagged")
	}

	if !set.PropagateCoop([]int64{5, 6, 7}) {
		t.Fatal("group containing a flagged member should propagate")
	}
	if !set.Contains(6) || !set.Contains(7) {
		t.Fatal("all co-op members should be flagged after propagation")
	}

	// Second propagation adds nothing new.
	if set.PropagateCoop([]int64{5, 6}) {
		t.Fatal("re-propagation should report no additions")
	}
}

func TestMatching(t *testing.T) {
	set := NewSet([]int64{9, 3})
	matched := set.Matching([]int64{1, 9, 3})
	if len(matched) != 2 || matched[0] != 3 || matched[1] != 9 {
		t.Fatalf("unexpected matches: %v", matched)
	}
}
