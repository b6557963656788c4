package export

import (
	"testing"

	"github.com/pgflux/pgflux/internal/walstream"
)

func table(name string) walstream.TableID {
	return walstream.TableID{Schema: "public", Name: name}
}

func TestScheduleBySize_SmallestFirst(t *testing.T) {
	jobs := []Job{
		{Table: table("big")},
		{Table: table("small")},
		{Table: table("medium")},
	}
	sizes := map[string]int64{"big": 3000, "small": 10, "medium": 500}
	sizeOf := func(tid walstream.TableID) int64 { return sizes[tid.Name] }

	ordered := scheduleBySize(jobs, sizeOf)

	want := []string{"small", "medium", "big"}
	for i, w := range want {
		if ordered[i].Table.Name != w {
			t.Errorf("position %d = %s, want %s", i, ordered[i].Table.Name, w)
		}
	}
}

func TestScheduleBySize_StableOnTies(t *testing.T) {
	jobs := []Job{
		{Table: table("a")},
		{Table: table("b")},
	}
	sizeOf := func(walstream.TableID) int64 { return 100 }

	ordered := scheduleBySize(jobs, sizeOf)
	if ordered[0].Table.Name != "a" || ordered[1].Table.Name != "b" {
		t.Errorf("expected input order preserved on ties, got %v", ordered)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{[]byte("hello"), "hello"},
		{"world", "world"},
		{42, "42"},
	}
	for _, c := range cases {
		if got := formatValue(c.in); got != c.want {
			t.Errorf("formatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJoinCols(t *testing.T) {
	got := joinCols([]string{`"id"`, `"name"`})
	want := `"id", "name"`
	if got != want {
		t.Errorf("joinCols = %q, want %q", got, want)
	}
}
