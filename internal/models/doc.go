// Package models defines the entities shared by every layer of the track synchronization engine.
//
// The package contains three groups of types:
//
// 1. Catalog records, persisted in the shared catalog store:
//   - [CatalogItem] : a track to synchronize, with its identity signals, state, lease and last error
//   - [LockToken] : the lease a worker writes onto an item it owns
//   - [ArtifactRef] : a pointer to something the pipeline produced
//
// 2. The state machine:
//   - [ProcessingState] and [CanTransition] : Discovered -> Locked -> Processing -> {Complete, SkippedDuplicate, Failed}
//   - [ErrorCategory] : the failure taxonomy persisted on failed items
//
// 3. Ephemeral values passed between components:
//   - [LibraryEntry] : an item already present in the target library
//   - [DuplicateMatch] : the result of a deduplication stage
//   - [PipelineOutput] : what the external pipeline returns
//   - [ProcessingResult] : the outcome written back when an item is finished
//
// The package imports nothing from the rest of the module.
package models
