// Package services holds the adapters between the sync engine and the outside world.
//
// # Catalog backends
//
// [OpenBackend] selects the catalog store and target library from the configured driver: SQLite or Postgres
// through package repositories, or a Notion database through [NotionStore].
//
// [NotionStore] talks to the Notion REST API with a static bearer token ([oauth2.StaticTokenSource]), a client-side
// request limiter, and retries on 429 and 5xx responses honoring Retry-After. Property names are resolved once from
// the database schema through a [catalog.AliasTable].
//
// # Pipeline
//
// [CommandPipeline] runs the external processing command for one item. The result printed on stdout is validated
// against an embedded JSON schema before it is trusted.
//
// # Verification
//
// [Verifier] checks that reported artifacts exist: files on disk, library entries through [LibraryChecker].
package services
