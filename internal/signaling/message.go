// Package signaling orchestrates the WebSocket-based SDP/ICE exchange that
// bootstraps a WebRTC link between two mesh nodes. All WebSocket details are
// internal; callers receive a ready-to-use link.
package signaling

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during
// signaling.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
