package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies one of the supported upstream services.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformTikTok  Platform = "tiktok"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformTwitch, PlatformYouTube, PlatformTikTok}

func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformTikTok:
		return true
	}
	return false
}

// ParsePlatform normalizes a platform string (case-insensitive, trimmed).
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

// EventType is the canonical event kind. The wire form on the bus is
// "platform:" + EventType (e.g. "platform:chat-message").
type EventType string

const (
	TypeChatMessage    EventType = "chat-message"
	TypeGift           EventType = "gift"
	TypePaypiggy       EventType = "paypiggy"
	TypeGiftPaypiggy   EventType = "giftpaypiggy"
	TypeViewerCount    EventType = "viewer-count"
	TypeStreamStatus   EventType = "stream-status"
	TypeStreamDetected EventType = "stream-detected"
	TypeConnection     EventType = "connection"
	TypeError          EventType = "error"
)

func (t EventType) Valid() bool {
	switch t {
	case TypeChatMessage, TypeGift, TypePaypiggy, TypeGiftPaypiggy,
		TypeViewerCount, TypeStreamStatus, TypeStreamDetected,
		TypeConnection, TypeError:
		return true
	}
	return false
}

// WireName returns the bus event name for this type.
func (t EventType) WireName() string { return "platform:" + string(t) }

// Identity is the canonical user identity attached to events.
// Both fields are required for non-synthetic events.
type Identity struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Platform Platform `json:"platform"`
}

func (id Identity) Complete() bool {
	return strings.TrimSpace(id.UserID) != "" && strings.TrimSpace(id.Username) != ""
}

// Gift carries normalized monetization data for a single gift event.
// Amount is always UnitAmount*GiftCount; for Twitch bits GiftCount is 1
// so Amount equals the raw bit total.
type Gift struct {
	ID         string  `json:"id"`
	GiftType   string  `json:"giftType"`
	GiftCount  int     `json:"giftCount"`
	UnitAmount float64 `json:"unitAmount"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Combo      bool    `json:"combo"`
	ComboType  int     `json:"comboType,omitempty"`
	GroupID    string  `json:"groupId,omitempty"`
	RepeatEnd  int     `json:"repeatEnd,omitempty"`
}

// Paypiggy carries subscription/membership data.
type Paypiggy struct {
	Tier            string   `json:"tier,omitempty"`
	Months          int      `json:"months,omitempty"`
	MembershipLevel string   `json:"membershipLevel,omitempty"`
	Platform        Platform `json:"platform"`
}

// RenderCopy resolves the user-facing verb for a paypiggy event.
func (p Paypiggy) RenderCopy() string {
	if strings.EqualFold(p.Tier, "superfan") {
		return "SuperFan"
	}
	switch p.Platform {
	case PlatformYouTube:
		return "member"
	default:
		return "subscribed"
	}
}

// Event is the canonical envelope shared by every normalized event.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Platform      Platform       `json:"platform"`
	Timestamp     time.Time      `json:"timestamp"`
	Username      string         `json:"username,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	StreamID      string         `json:"streamId,omitempty"`
	Text          string         `json:"text,omitempty"`
	Gift          *Gift          `json:"gift,omitempty"`
	Paypiggy      *Paypiggy      `json:"paypiggy,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// WireName returns the bus event name ("platform:<type>").
func (e Event) WireName() string { return e.Type.WireName() }

// TimestampISO returns the envelope timestamp as ISO-8601 UTC.
func (e Event) TimestampISO() string {
	return e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Identity returns the canonical identity of the event author.
func (e Event) Identity() Identity {
	return Identity{UserID: e.UserID, Username: e.Username, Platform: e.Platform}
}

// NewCorrelationID mints a correlation id for cross-component tracing.
func NewCorrelationID() string { return uuid.NewString() }

// Builder constructs events fluently and validates on Build.
type Builder struct {
	event     Event
	synthetic bool
	errs      []string
}

func NewEvent(platform Platform, typ EventType) *Builder {
	return &Builder{event: Event{
		ID:            uuid.NewString(),
		Platform:      platform,
		Type:          typ,
		CorrelationID: NewCorrelationID(),
	}}
}

// Synthetic marks the event as system-generated, relaxing the identity
// requirement (stream-status, connection, error events carry no author).
func (b *Builder) Synthetic() *Builder {
	b.synthetic = true
	return b
}

func (b *Builder) WithID(id string) *Builder {
	if id != "" {
		b.event.ID = id
	}
	return b
}

func (b *Builder) WithTimestamp(ts time.Time) *Builder {
	b.event.Timestamp = ts.UTC()
	return b
}

func (b *Builder) WithIdentity(userID, username string) *Builder {
	b.event.UserID = strings.TrimSpace(userID)
	b.event.Username = strings.TrimSpace(username)
	return b
}

func (b *Builder) WithCorrelationID(id string) *Builder {
	if id != "" {
		b.event.CorrelationID = id
	}
	return b
}

func (b *Builder) WithStreamID(id string) *Builder {
	b.event.StreamID = id
	return b
}

func (b *Builder) WithText(text string) *Builder {
	b.event.Text = text
	return b
}

func (b *Builder) WithGift(g Gift) *Builder {
	b.event.Gift = &g
	return b
}

func (b *Builder) WithPaypiggy(p Paypiggy) *Builder {
	p.Platform = b.event.Platform
	b.event.Paypiggy = &p
	return b
}

func (b *Builder) WithMetadata(key string, value any) *Builder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]any)
	}
	b.event.Metadata[key] = value
	return b
}

// Build validates and returns the event. Unknown platforms or types and
// incomplete identities on non-synthetic events fail the build.
func (b *Builder) Build() (Event, error) {
	if !b.event.Platform.Valid() {
		b.errs = append(b.errs, fmt.Sprintf("unsupported platform %q", b.event.Platform))
	}
	if !b.event.Type.Valid() {
		b.errs = append(b.errs, fmt.Sprintf("unsupported event type %q", b.event.Type))
	}
	if !b.synthetic && !b.event.Identity().Complete() {
		b.errs = append(b.errs, "identity requires userId and username")
	}
	if b.event.Timestamp.IsZero() {
		b.event.Timestamp = time.Now().UTC()
	}
	if len(b.errs) > 0 {
		return Event{}, fmt.Errorf("core: invalid event: %s", strings.Join(b.errs, "; "))
	}
	return b.event, nil
}
