// Package websocket serves the gaze buffer of a capture session to browser
// clients.
//
// Clients send JSON commands of the form {"action": "..."}; every command is
// answered with {"action": ..., "status": ...} or, on failure, with
// {"error": ..., "reason": ...}. peekSamples answers with an array of compact
// gaze records ({ts, lx, ly, lp, rx, ry, rp}). While a sample stream is
// running every newly captured gaze sample is pushed to all clients.
package websocket
