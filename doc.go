// Package inkframe provides a Go 1.24+ client for TRMNL-style display-content services and
// the building blocks of a single-cycle e-paper device agent.
//
// A device wakes, registers with the content service, asks it which image to show next,
// downloads that image, paints it onto a bistable (e-ink) panel and goes back to sleep for
// the interval the service chose. This package covers the service side of that cycle:
//
//   - Setup registers a device by its hardware address and returns its access token
//   - Display returns the descriptor for the next screen (image URL + refresh rate)
//   - Download streams an image body into any io.Writer with a size guard
//   - Typed errors for transport, HTTP status and response parsing failures
//   - Request pacing (pluggable, context aware)
//
// The rest of the pipeline lives in sub-packages: pngstream (row-streaming 1-bit PNG
// decoder), epd (panel drivers and the row renderer), store (asset storage), network
// (association, RSSI, NTP), power (sleep transition) and agent (the orchestrator).
package inkframe
