package store

import (
	"testing"
	"time"

	"github.com/nullstream/mqq/internal/model"
)

func TestSortJobsByClaimOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	jobs := []model.Job{
		{ID: "c", CreatedAt: t1, Priority: 0},
		{ID: "a", CreatedAt: t0, Priority: 5},
		{ID: "b", CreatedAt: t0, Priority: 10},
	}
	sortJobsByClaimOrder(jobs)

	want := []string{"b", "a", "c"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("position %d: want %q, got %q (order %v)", i, id, jobs[i].ID, ids(jobs))
		}
	}
}

func TestSortJobsByClaimOrderTiesBrokenByID(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs := []model.Job{
		{ID: "z", CreatedAt: t0, Priority: 1},
		{ID: "a", CreatedAt: t0, Priority: 1},
	}
	sortJobsByClaimOrder(jobs)
	if jobs[0].ID != "a" || jobs[1].ID != "z" {
		t.Fatalf("expected id tiebreak a before z, got %v", ids(jobs))
	}
}

func ids(jobs []model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
