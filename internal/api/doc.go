// Package api exposes the daemon's REST surface: status and thought
// inspection, model listings, user interaction, shutdown control and direct
// access to the directive pipeline.
package api
