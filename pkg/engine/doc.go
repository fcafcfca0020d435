// Package engine provides the placement pipeline for equipment design units.
//
// # Overview
//
// A placement copies a reusable equipment design from the shared library into a
// destination module. The Pipeline runs its stages strictly in sequence:
//
//  1. Resolve - map the requested name to a CatalogEntry (Resolver)
//  2. Allocate - choose a free instance suffix inside <module>/1-Equipment (Allocate)
//  3. Preflight - destination descriptor, top assembly and policies
//  4. Pre-clean - purge the shared staging root (StagingCleaner)
//  5. Fetch - download the equipment's repository folder tree in batches (Fetcher)
//  6. Copy-Design - clone the design under the library's own project context
//  7. Metadata - switch to the destination context and upsert the clone's properties
//  8. Insertion - insert the clone into the destination top assembly
//  9. Post-clean - purge the staging root again, on every exit path
//
// Stages 6 to 8 run inside a rollback boundary: a fatal error there triggers a
// best-effort switch back to the destination module's descriptor.
//
// # Collaborators
//
// The pipeline depends only on interfaces:
//
//   - Repository: resolves folders, lists files and downloads them
//   - AuthoringEngine: project context, documents, design clone, properties, insertion
//   - Filesystem: attribute normalization, purge with retry, recursive listing
//   - Catalog: name resolution
//   - PolicyEvaluator, Recorder, EventPublisher, Metrics: optional
//
// # Error Classification
//
// Every failure is a PlacementError with a Kind:
//
//   - configuration: unresolved name or incomplete entry, raised before any I/O
//   - precondition: missing destination descriptor or top assembly, raised before mutation
//   - repository: folder not found or no files
//   - copy_design: clone failure
//   - metadata: a single property write (non-fatal) or a failed save (fatal)
//   - insertion: component insertion (non-fatal) or a failed save (fatal)
//
// # Progress
//
// Progress is reported through a ProgressFunc and progress events. A weighted-stage
// Tracker advances one monotonic cursor from 0 to 100; it never drives control flow.
//
// # Concurrency
//
// The staging root is shared by the whole process. A Pipeline admits one placement
// at a time and rejects overlapping calls with ErrPlacementInProgress.
package engine
