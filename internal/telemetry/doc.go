// Package telemetry keeps the vision node and the controller agreeing on the
// operating mode over a lossy UDP link.
//
// Each exchange carries the latest measurement one way as plain text and a
// single mode digit the other way. The Engine owns the socket: it opens a
// Session, runs request/response ticks with a bounded wait, treats timeouts
// as routine, and tears the Session down and builds a fresh one after a hard
// socket failure. Mode and the outgoing value live in ModeState and
// ValueStore, which are safe to share with the processing loop; no lock is
// held while a socket call blocks.
//
// Initiator role (the vision node speaks first):
//
//	vision  --"12.5!"-->  controller
//	vision  <--"3"------  controller
//
// Responder role reverses the order: the controller's mode digit arrives
// first and the vision node answers with its value.
package telemetry
