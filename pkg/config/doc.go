/*
Package config implements configuration handling for resotocore.

Config documents are keyed JSON entities with revision-tracked writes. A put
coerces every top-level section against the registered config model, routes the
change to an external validating worker when one is registered for the id, and
publishes ConfigUpdated only when the stored document actually changed. Patches
deep-merge over the stored document.

The CoreHandler treats the server's own configuration specially: it seeds the
schema and defaults on startup, validates changes to the core config id in
process through the worker task queue, and asks the supervisor to restart the
service when the stored core config changes.
*/
package config
