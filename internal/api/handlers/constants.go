package handlers

import "time"

const (
	// Frame listing bounds
	defaultFrameLimit = 50
	maxFrameLimit     = 500

	// Band schedule resolution when a track request has no fps
	defaultTrackFPS = 24

	readStateTimeout = 5 * time.Second
	forgeTimeout     = 2 * time.Second // Forge proxy, then static fallback
)
