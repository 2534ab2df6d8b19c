package chat

import (
	"strings"
	"time"
)

// Platform identifies the source a message was captured from.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTwitch    Platform = "twitch"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
)

// ParsePlatform maps a wire string to a known Platform. Unknown and empty
// values return ok=false so callers can apply their own default.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformYouTube:
		return PlatformYouTube, true
	case PlatformTwitch:
		return PlatformTwitch, true
	case PlatformTikTok:
		return PlatformTikTok, true
	case PlatformInstagram:
		return PlatformInstagram, true
	case PlatformFacebook:
		return PlatformFacebook, true
	}
	return "", false
}

func (p Platform) String() string {
	return string(p)
}

// Message is a single normalized chat message. Values are immutable once
// constructed; ownership passes from ingestor to bus to subscribers, and
// subscribers must copy anything they retain past the callback.
type Message struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	IsModerator bool      `json:"is_moderator,omitempty"`
	IsOwner     bool      `json:"is_owner,omitempty"`
	IsVerified  bool      `json:"is_verified,omitempty"`
}

// DedupKey is the composite identity used for duplicate suppression.
// Message IDs are only unique within one platform.
func (m Message) DedupKey() string {
	return string(m.Platform) + ":" + m.ID
}
