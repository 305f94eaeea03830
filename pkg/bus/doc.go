/*
Package bus implements the in-process message bus of resotocore.

Messages are either plain events or the action envelopes exchanged with
workflow subscribers (Action, ActionDone, ActionError, ActionInfo,
ActionProgress). Each subscription owns one bounded channel; publishing never
blocks the producer, so a slow consumer only loses its own messages.
*/
package bus
