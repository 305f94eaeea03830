/*
Package subscription tracks the external participants of workflow actions.

A subscriber registers the message types it handles; within one subscriber each
message type appears at most once. The registry persists every mutation with
optimistic revision locking and answers SubscribersFor in deterministic order,
which fixes the acknowledgement set a workflow step waits on.
*/
package subscription
