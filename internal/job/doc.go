// Package job supervises one engine job from submission to a terminal
// status.
//
// Status only moves forward: queued, then running, then exactly one of
// completed, failed or cancelled. A job may go straight from queued to a
// terminal status when the engine serves it from cache or rejects it before
// it starts. Terminal statuses never change.
//
// Cancel and a completion event can race. Whichever transition is applied
// first wins: a job that completed before Cancel stays completed, and a job
// cancelled locally ignores a late completion from the engine.
//
// Listeners registered with Subscribe run synchronously, in transition
// order, and must not call back into the Supervisor.
package job
