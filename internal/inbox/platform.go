package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform identifies a message source.
type Platform string

const (
	PlatformGmail    Platform = "gmail"
	PlatformSlack    Platform = "slack"
	PlatformTelegram Platform = "telegram"
)

// KnownPlatforms returns every platform the cache understands, in stable
// order.
func KnownPlatforms() []Platform {
	return []Platform{PlatformGmail, PlatformSlack, PlatformTelegram}
}

// ParsePlatform validates a platform name.
func ParsePlatform(name string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(name)))
	switch p {
	case PlatformGmail, PlatformSlack, PlatformTelegram:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, name)
}

// CompositeID builds the cache-wide message ID from a platform and the
// platform's own message ID, e.g. "gmail:18c2f4a".
func CompositeID(p Platform, nativeID string) string {
	return string(p) + ":" + nativeID
}

// NativeID strips the platform prefix from a composite ID. IDs without the
// expected prefix are returned unchanged: older caches stored bare IDs.
func NativeID(p Platform, id string) string {
	return strings.TrimPrefix(id, string(p)+":")
}

// SendRequest asks a platform client to deliver a reply or a fresh message.
// Recipient is platform-specific: an email address, a channel, a chat ID.
type SendRequest struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// SendResult reports what the platform accepted.
type SendResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// PlatformClient is the boundary to one external platform. Implementations
// talk to the real service (or a deterministic stand-in) and must be safe for
// concurrent use. The cache layer never retries on their behalf.
type PlatformClient interface {
	Platform() Platform

	// FetchMessages returns up to limit recent messages already normalized
	// to the cache schema, newest first.
	FetchMessages(ctx context.Context, scope string, limit int) ([]Message, error)

	// Send delivers a message through the platform.
	Send(ctx context.Context, req SendRequest) (SendResult, error)

	// MarkRead marks a message read on the platform side, by native ID.
	MarkRead(ctx context.Context, scope, nativeID string) error
}
