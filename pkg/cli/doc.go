/*
Package cli carries the execute-command hook of the orchestration core.

Workflow steps of kind ExecuteCommand hand their command line to an Executor.
The Engine implementation dispatches on the first token of each piped segment
against a handler registry; the actual command catalogue is registered by the
embedding server.
*/
package cli
