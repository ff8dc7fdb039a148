// Package hooks post-processes upstream responses. A static registry
// maps (path, method) to a handler; handlers grant MANAGE to resource
// creators, wipe grants when resources are deleted, migrate grants when
// resources are renamed, and filter search pages down to the resources
// the caller may read, backfilling from upstream so page sizes stay
// accurate despite filtering.
package hooks
