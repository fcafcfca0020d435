package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/stores"
)

// ExampleOpen demonstrates opening an in-memory history store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListPlacements demonstrates recording and listing placements.
func ExampleSQLiteStore_ListPlacements() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	_ = store.SavePlacement(ctx, &engine.Placement{
		ID:          "7f0c2a",
		Project:     "24001",
		Reference:   "A",
		Module:      "M01",
		Equipment:   "Angular Filter",
		Suffix:      "_01",
		Status:      engine.PlacementStatusSucceeded,
		FilesCopied: 42,
		StartedAt:   started,
		CompletedAt: &completed,
	})

	placements, err := store.ListPlacements(ctx, stores.PlacementFilter{Module: "M01"})
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range placements {
		fmt.Printf("%s %s%s %s (%d files)\n", p.ID, p.Equipment, p.Suffix, p.Status, p.FilesCopied)
	}
	// Output: 7f0c2a Angular Filter_01 succeeded (42 files)
}
