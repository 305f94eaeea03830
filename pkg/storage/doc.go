/*
Package storage provides the entity store of resotocore.

The store is a keyed document store organized into named collections, one per
persisted entity type (subscribers, running tasks, jobs, configs, config
validations, the config model). Every document carries a revision assigned on
write; updates verify the writer's last-known revision and fail with
ErrStaleRevision when it is stale, which callers treat as a retryable
optimistic-locking conflict.

Two backends exist: BoltStore persists to a BoltDB file and is used by the
server, MemoryStore keeps everything in process and backs the tests.
*/
package storage
