// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package tracker

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestControlRowLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutControl("mergeCube0890982024", 0, 6, "2024-01-01 00:00:00"); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := s.GetControl("mergeCube0890982024")
	if err != nil || !ok {
		t.Fatalf("get control: %v, ok=%v", err, ok)
	}
	if entry.MyCount != 0 || entry.Total != 6 {
		t.Errorf("entry = %+v", entry)
	}

	count, total, err := s.Increment("mergeCube0890982024")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || total != 6 {
		t.Errorf("increment = %d/%d", count, total)
	}

	if err := s.IncrementErrors("mergeCube0890982024"); err != nil {
		t.Fatal(err)
	}
	entry, _, _ = s.GetControl("mergeCube0890982024")
	if entry.Errors != 1 || entry.MyCount != 1 {
		t.Errorf("errors must not advance mycount: %+v", entry)
	}

	if err := s.RemoveControl("mergeCube0890982024"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetControl("mergeCube0890982024"); ok {
		t.Error("row still present after remove")
	}

	// Removing a missing row is not an error (force path semantics).
	if err := s.RemoveControl("never-existed"); err != nil {
		t.Errorf("remove missing row: %v", err)
	}
}

// TestIncrementFiresExactlyOnce is the P1 counter property: with many
// concurrent completers and randomized delays, exactly one observes
// count == total.
func TestIncrementFiresExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	const workers = 100
	if err := s.PutControl("blendKey", 0, workers, "2024-01-01 00:00:00"); err != nil {
		t.Fatal(err)
	}

	var fired int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
			count, total, err := s.Increment("blendKey")
			if err != nil {
				t.Error(err)
				return
			}
			if count == total {
				atomic.AddInt64(&fired, 1)
			}
		}(int64(i))
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("stage transition fired %d times, want exactly 1", fired)
	}
	entry, _, _ := s.GetControl("blendKey")
	if entry.MyCount != workers {
		t.Errorf("final count = %d, want %d", entry.MyCount, workers)
	}
}

func TestActivityTable(t *testing.T) {
	s := newTestStore(t)

	base := cube.NewEnvelope(cube.ActionMerge, cube.Job{DataCube: "C_STK"}, cube.TileContext{Name: "089098"})
	for _, date := range []string{"2024-01-01", "2024-01-05", "2024-01-09"} {
		a := base
		a.Key = "mergeC_IDT089098"
		a.SK = date
		a.Merge = &cube.MergeTask{Band: "B04", Date: date}
		if err := s.PutActivity(&a); err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := s.GetActivity("mergeC_IDT089098", "2024-01-05")
	if err != nil || !ok {
		t.Fatalf("get activity: %v ok=%v", err, ok)
	}
	if got.Merge.Date != "2024-01-05" {
		t.Errorf("activity = %+v", got.Merge)
	}

	all, err := s.QueryActivities("mergeC_IDT089098")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("query returned %d rows, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].SK > all[i].SK {
			t.Error("rows not in sort-key order")
		}
	}

	if err := s.RemoveActivity("mergeC_IDT089098", "2024-01-05"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetActivity("mergeC_IDT089098", "2024-01-05"); ok {
		t.Error("activity still present after remove")
	}

	n, err := s.RemoveActivitiesByKey("mergeC_IDT089098")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed %d rows, want 2", n)
	}
}

func TestActivityUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)

	a := cube.NewEnvelope(cube.ActionMerge, cube.Job{}, cube.TileContext{})
	a.Key, a.SK = "k", "2024-01-01"
	a.Merge = &cube.MergeTask{Band: "B04", Date: "2024-01-01"}
	if err := s.PutActivity(&a); err != nil {
		t.Fatal(err)
	}

	a.MarkDone()
	a.Efficacy = 87.5
	if err := s.PutActivity(&a); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.GetActivity("k", "2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != cube.StatusDone || got.Efficacy != 87.5 {
		t.Errorf("upsert lost fields: %+v", got)
	}
}
