package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Syncer pulls messages from platform clients into the store and pushes
// outbound actions back out, logging every externally observable call in the
// operation log. It owns no retry policy: a failed platform call is logged
// as an error and surfaced to the caller.
type Syncer struct {
	store   *Store
	clients map[Platform]PlatformClient
}

// NewSyncer wires a syncer over the given clients. Later registrations for
// the same platform replace earlier ones.
func NewSyncer(store *Store, clients ...PlatformClient) *Syncer {
	sy := &Syncer{store: store, clients: map[Platform]PlatformClient{}}
	for _, c := range clients {
		sy.clients[c.Platform()] = c
	}
	return sy
}

// Platforms returns the platforms this syncer has clients for, in stable
// order.
func (sy *Syncer) Platforms() []Platform {
	out := make([]Platform, 0, len(sy.clients))
	for p := range sy.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (sy *Syncer) client(platform Platform) (PlatformClient, error) {
	c, ok := sy.clients[platform]
	if !ok {
		return nil, fmt.Errorf("%w: no client for platform %q", ErrNotFound, platform)
	}
	return c, nil
}

// Sync fetches recent messages from one platform and upserts them under
// scope, returning how many were cached. The fetch is bracketed in the
// operation log regardless of outcome.
func (sy *Syncer) Sync(ctx context.Context, scope string, platform Platform, limit int) (int, error) {
	c, err := sy.client(platform)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	op, err := sy.store.StartOp(ctx, scope, "fetch_messages", platform)
	if err != nil {
		return 0, err
	}

	msgs, err := c.FetchMessages(ctx, scope, limit)
	if err != nil {
		_ = op.Error(ctx, err)
		return 0, fmt.Errorf("fetch %s: %w", platform, err)
	}
	n, err := sy.store.UpsertMessages(ctx, scope, msgs)
	if err != nil {
		_ = op.Error(ctx, err)
		return 0, err
	}
	_ = op.Finish(ctx, OpDone, fmt.Sprintf("cached %d messages", n))
	return n, nil
}

// SyncAll syncs every registered platform. Platforms fail independently: the
// returned counts cover the platforms that succeeded and the error joins the
// rest.
func (sy *Syncer) SyncAll(ctx context.Context, scope string, limit int) (map[Platform]int, error) {
	counts := map[Platform]int{}
	var errs []error
	for _, p := range sy.Platforms() {
		n, err := sy.Sync(ctx, scope, p, limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counts[p] = n
	}
	return counts, errors.Join(errs...)
}

// Send delivers a message through one platform's client, logging the attempt.
func (sy *Syncer) Send(ctx context.Context, scope string, platform Platform, req SendRequest) (SendResult, error) {
	c, err := sy.client(platform)
	if err != nil {
		return SendResult{}, err
	}
	if req.Recipient == "" || req.Body == "" {
		return SendResult{}, fmt.Errorf("%w: recipient and body required", ErrInvalidInput)
	}

	op, err := sy.store.StartOp(ctx, scope, "send_message", platform)
	if err != nil {
		return SendResult{}, err
	}
	res, err := c.Send(ctx, req)
	if err != nil {
		_ = op.Error(ctx, err)
		return SendResult{}, fmt.Errorf("send via %s: %w", platform, err)
	}
	_ = op.Finish(ctx, OpDone, "sent "+res.MessageID)
	return res, nil
}

// MarkRead marks the message read locally and, when a client is registered
// for its platform, remotely too. The local mark always lands; a remote
// failure is logged and returned but does not undo it.
func (sy *Syncer) MarkRead(ctx context.Context, scope, messageID string) error {
	if _, err := sy.store.MarkRead(ctx, scope, messageID); err != nil {
		return err
	}

	platform, ok := splitCompositeID(messageID)
	if !ok {
		return nil
	}
	c, ok := sy.clients[platform]
	if !ok {
		return nil
	}

	op, err := sy.store.StartOp(ctx, scope, "mark_read", platform)
	if err != nil {
		return err
	}
	if err := c.MarkRead(ctx, scope, NativeID(platform, messageID)); err != nil {
		_ = op.Error(ctx, err)
		return fmt.Errorf("remote mark read on %s: %w", platform, err)
	}
	_ = op.Finish(ctx, OpDone, "marked "+messageID)
	return nil
}

func splitCompositeID(id string) (Platform, bool) {
	for _, p := range KnownPlatforms() {
		if len(id) > len(p)+1 && id[:len(p)] == string(p) && id[len(p)] == ':' {
			return p, true
		}
	}
	return "", false
}
