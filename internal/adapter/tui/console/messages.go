// Package console renders a streaming session as an append-only log console
// with a spinner and a success/failure indicator.
package console

import "govstream/internal/domain"

// UpdateMsg carries one session update from the controller into the Bubble
// Tea update loop. Event is zero-valued for status-only changes.
type UpdateMsg struct {
	Event    domain.SessionEvent
	Snapshot domain.SessionSnapshot
}

// QuitMsg signals the program to exit.
type QuitMsg struct{}

// cancelledMsg reports that the cancel callback has run.
type cancelledMsg struct{}
