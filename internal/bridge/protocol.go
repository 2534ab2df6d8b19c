package bridge

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"chatfuse/internal/chat"
)

// Envelope message types pushed by the browser extension.
const (
	frameTypeComment   = "comment"
	frameTypeConnected = "connected"
	frameTypeStatus    = "status"
	frameTypePing      = "ping"
	frameTypePong      = "pong"
)

// envelope is the outer wire shape of every extension frame. Only comment
// frames carry a payload the bridge converts; the rest are informational.
type envelope struct {
	Type      string          `json:"type"`
	Platform  string          `json:"platform,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      *commentPayload `json:"data,omitempty"`
}

type commentPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"` // epoch milliseconds
	Platform    string `json:"platform"`
	IsModerator bool   `json:"is_moderator,omitempty"`
	IsOwner     bool   `json:"is_owner,omitempty"`
	IsVerified  bool   `json:"is_verified,omitempty"`
}

// statusBody is the JSON answer to plain HTTP probes on the bridge port.
type statusBody struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// toMessage converts a comment payload to a bus message. The second return
// is false when the payload must be silently discarded (empty text); the
// third reports whether the platform had to fall back to the default so the
// caller can log a warning.
func (p *commentPayload) toMessage(hint chat.Platform) (chat.Message, bool, bool) {
	if p == nil || strings.TrimSpace(p.Text) == "" {
		return chat.Message{}, false, false
	}

	defaulted := false
	platform, ok := chat.ParsePlatform(p.Platform)
	if !ok {
		platform, ok = hint, hint != ""
	}
	if !ok {
		platform = chat.PlatformInstagram
		defaulted = true
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	ts := time.Now()
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}

	return chat.Message{
		ID:          id,
		Platform:    platform,
		Username:    strings.ToLower(strings.TrimSpace(p.Username)),
		DisplayName: strings.TrimSpace(p.Username),
		Text:        p.Text,
		Timestamp:   ts,
		IsModerator: p.IsModerator,
		IsOwner:     p.IsOwner,
		IsVerified:  p.IsVerified,
	}, true, defaulted
}
