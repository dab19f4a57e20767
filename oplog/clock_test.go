package oplog

import (
	"sort"
	"testing"
)

func TestClockTickAndMerge(t *testing.T) {
	c := NewClock("a", 0)
	c2 := c.Tick()
	if c.Time != 0 || c2.Time != 1 || c2.ID != "a" {
		t.Fatalf("unexpected tick: %+v -> %+v", c, c2)
	}

	m := c2.Merge(NewClock("b", 7))
	if m.ID != "a" || m.Time != 7 {
		t.Errorf("merge should keep own id and take max time: %+v", m)
	}
	m = NewClock("b", 7).Merge(c2)
	if m.ID != "b" || m.Time != 7 {
		t.Errorf("merge with an older clock changed time: %+v", m)
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b Clock
		sign int
	}{
		{NewClock("a", 1), NewClock("a", 2), -1},
		{NewClock("b", 1), NewClock("a", 2), -1},
		{NewClock("a", 3), NewClock("b", 2), 1},
		{NewClock("a", 2), NewClock("b", 2), -1},
		{NewClock("b", 2), NewClock("a", 2), 1},
		{NewClock("a", 2), NewClock("a", 2), 0},
	}
	for _, c := range cases {
		got := Compare(c.a, c.b)
		if sign(got) != c.sign {
			t.Errorf("Compare(%+v, %+v) = %d, want sign %d", c.a, c.b, got, c.sign)
		}
		if sign(Compare(c.b, c.a)) != -c.sign {
			t.Errorf("Compare is not antisymmetric for %+v, %+v", c.a, c.b)
		}
	}
}

func TestCompareTotalOrder(t *testing.T) {
	clocks := []Clock{
		NewClock("c", 3), NewClock("a", 1), NewClock("b", 3),
		NewClock("a", 3), NewClock("b", 1), NewClock("c", 2),
	}
	sort.Slice(clocks, func(i, j int) bool { return Compare(clocks[i], clocks[j]) < 0 })

	want := []Clock{
		NewClock("a", 1), NewClock("b", 1), NewClock("c", 2),
		NewClock("a", 3), NewClock("b", 3), NewClock("c", 3),
	}
	for i := range want {
		if clocks[i] != want[i] {
			t.Fatalf("position %d: got %+v, want %+v", i, clocks[i], want[i])
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
