// Package repositories implements SQL persistence for the catalog and the target library.
//
// Key Implementations:
//   - [CatalogRepository] : a [catalog.Store] over the catalog_items table, with conditional updates for lock writes
//   - [LibraryRepository] : bulk enumeration and existence checks over library_entries
//
// Both run on SQLite or on Postgres ([PostgresDB] migrates lazily); the schema for either comes from the embedded
// per-dialect migrations in package shared. Sequence numbers come from per-table sequence tables via [NextSequence] and define registration
// order; catalog pages are keyset-paginated on that sequence so concurrent writers never shift a cursor.
package repositories
