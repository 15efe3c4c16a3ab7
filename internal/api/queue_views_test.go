package api

import "testing"

func TestSortJobsNewestFirst(t *testing.T) {
	jobs := []Job{
		{ID: "a", CreatedAt: "2026-01-01T00:00:00.000Z"},
		{ID: "c", CreatedAt: "2026-01-02T00:00:00.000Z"},
		{ID: "b", CreatedAt: "2026-01-02T00:00:00.000Z"},
	}
	sorted := SortJobsNewestFirst(jobs)
	want := []string{"c", "b", "a"}
	for i, id := range want {
		if sorted[i].ID != id {
			t.Fatalf("sorted[%d] = %s, want %s", i, sorted[i].ID, id)
		}
	}
	if jobs[0].ID != "a" {
		t.Fatal("input slice was reordered")
	}
	if SortJobsNewestFirst(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Fatalf("ShortID short = %q", got)
	}
}
