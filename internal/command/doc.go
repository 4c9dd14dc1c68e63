// Package command runs the device's long-lived commands.
//
// One handler at most is active. The Dispatcher routes each verified payload
// either to the control plane (start, query, end) or to the active handler,
// and drives the idle clock between messages. It is owned by a single
// goroutine and does no locking.
package command
