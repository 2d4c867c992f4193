package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DemoClient is a deterministic in-process PlatformClient. It serves the
// same fixture messages on every fetch and records remote mark-read calls,
// so the cache layer can be exercised end to end without any external
// account.
type DemoClient struct {
	platform Platform

	mu       sync.Mutex
	read     map[string]bool
	sent     []SendRequest
	fetchErr error
}

// NewDemoClient builds a demo client for one platform.
func NewDemoClient(p Platform) *DemoClient {
	return &DemoClient{platform: p, read: map[string]bool{}}
}

// NewDemoClients builds one demo client per known platform.
func NewDemoClients() []PlatformClient {
	out := make([]PlatformClient, 0, len(KnownPlatforms()))
	for _, p := range KnownPlatforms() {
		out = append(out, NewDemoClient(p))
	}
	return out
}

func (c *DemoClient) Platform() Platform { return c.platform }

// FailFetches makes subsequent FetchMessages calls return err; nil restores
// normal behavior.
func (c *DemoClient) FailFetches(err error) {
	c.mu.Lock()
	c.fetchErr = err
	c.mu.Unlock()
}

// Sent returns every send request the client has accepted, oldest first.
func (c *DemoClient) Sent() []SendRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SendRequest, len(c.sent))
	copy(out, c.sent)
	return out
}

// WasMarkedRead reports whether MarkRead was called for nativeID.
func (c *DemoClient) WasMarkedRead(nativeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read[nativeID]
}

func (c *DemoClient) FetchMessages(ctx context.Context, scope string, limit int) ([]Message, error) {
	c.mu.Lock()
	fetchErr := c.fetchErr
	c.mu.Unlock()
	if fetchErr != nil {
		return nil, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := demoFixtures(c.platform)
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (c *DemoClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()
	return SendResult{
		MessageID: CompositeID(c.platform, "demo-"+uuid.NewString()[:8]),
		SentAt:    time.Now().UTC(),
	}, nil
}

func (c *DemoClient) MarkRead(ctx context.Context, scope, nativeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.read[nativeID] = true
	c.mu.Unlock()
	return nil
}

// demoBase anchors fixture timestamps so repeated fetches upsert the same
// rows instead of growing the cache.
var demoBase = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func demoFixtures(p Platform) []Message {
	mk := func(i int, sender, subject, preview, channel string, unread bool) Message {
		return Message{
			ID:        CompositeID(p, fmt.Sprintf("demo-%03d", i)),
			Platform:  p,
			Sender:    sender,
			Subject:   subject,
			Preview:   preview,
			Body:      preview,
			Channel:   channel,
			Timestamp: demoBase.Add(time.Duration(i) * time.Hour),
			Unread:    unread,
		}
	}
	switch p {
	case PlatformGmail:
		return []Message{
			mk(1, "Dana Reeve", "Q3 planning doc", "Draft attached, comments by Friday.", "", true),
			mk(2, "Billing", "Invoice #4821", "Your invoice for May is ready.", "", true),
			mk(3, "Sam Okafor", "Re: offsite", "Works for me, see you there.", "", true),
			mk(4, "Newsletter", "This week in infra", "Five links worth your time.", "", false),
		}
	case PlatformSlack:
		return []Message{
			mk(1, "priya", "", "deploy is green, shipping at 3", "#eng", true),
			mk(2, "marcos", "", "lunch?", "#random", false),
		}
	case PlatformTelegram:
		return []Message{
			mk(1, "Alex", "", "landed, call you tonight", "", false),
		}
	}
	return nil
}
