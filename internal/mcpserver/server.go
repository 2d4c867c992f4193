// Package mcpserver exposes the inbox cache as MCP tools over stdio, so an
// agent can fetch, triage and reply without touching the HTTP surface.
package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openinbox/inboxd/internal/inbox"
)

// Server wraps the MCP server around one store and syncer. Scope comes per
// call: tools take an optional user_id and fall back to the shared global
// scope, matching the rest of the system.
type Server struct {
	server *mcp.Server
	store  *inbox.Store
	syncer *inbox.Syncer
}

func NewServer(store *inbox.Store, syncer *inbox.Syncer, version string) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "inboxd",
		Version: version,
	}, nil)

	s := &Server{
		server: mcpServer,
		store:  store,
		syncer: syncer,
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inbox_fetch",
		Description: "Sync platforms and return cached messages, newest first",
	}, s.handleFetch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inbox_unread_counts",
		Description: "Per-platform unread message counts",
	}, s.handleUnreadCounts)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inbox_mark_read",
		Description: "Mark a message read locally and on its platform",
	}, s.handleMarkRead)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inbox_send",
		Description: "Send a message or reply through a platform",
	}, s.handleSend)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inbox_clear_cache",
		Description: "Clear cached messages, optionally for one platform",
	}, s.handleClearCache)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "inbox_recent_ops",
		Description: "Recent operation log entries, newest first",
	}, s.handleRecentOps)
}

type FetchInput struct {
	UserID     string `json:"user_id,omitempty" jsonschema:"description=User scope (global when omitted)"`
	Platform   string `json:"platform,omitempty" jsonschema:"enum=gmail;slack;telegram,description=Limit to one platform"`
	UnreadOnly bool   `json:"unread_only,omitempty" jsonschema:"description=Only effectively unread messages"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Maximum messages to return (default 50)"`
	NoSync     bool   `json:"no_sync,omitempty" jsonschema:"description=Serve from cache without syncing first"`
}

type FetchOutput struct {
	Messages []inbox.Message `json:"messages"`
	Count    int             `json:"count"`
}

func (s *Server) handleFetch(ctx context.Context, req *mcp.CallToolRequest, input FetchInput) (*mcp.CallToolResult, FetchOutput, error) {
	scope := inbox.ScopeUser(input.UserID)

	if !input.NoSync && s.syncer != nil {
		if input.Platform != "" {
			if _, err := s.syncer.Sync(ctx, scope, inbox.Platform(input.Platform), input.Limit); err != nil {
				return nil, FetchOutput{}, err
			}
		} else if _, err := s.syncer.SyncAll(ctx, scope, input.Limit); err != nil {
			return nil, FetchOutput{}, err
		}
	}

	msgs, err := s.store.QueryMessages(ctx, scope, inbox.MessageQuery{
		Platform:   inbox.Platform(input.Platform),
		UnreadOnly: input.UnreadOnly,
		Limit:      input.Limit,
	})
	if err != nil {
		return nil, FetchOutput{}, err
	}
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	return nil, FetchOutput{Messages: msgs, Count: len(msgs)}, nil
}

type UnreadCountsInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"description=User scope (global when omitted)"`
}

type UnreadCountsOutput struct {
	Counts map[inbox.Platform]int `json:"counts"`
	Total  int                    `json:"total"`
}

func (s *Server) handleUnreadCounts(ctx context.Context, req *mcp.CallToolRequest, input UnreadCountsInput) (*mcp.CallToolResult, UnreadCountsOutput, error) {
	counts, err := s.store.UnreadCounts(ctx, inbox.ScopeUser(input.UserID))
	if err != nil {
		return nil, UnreadCountsOutput{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return nil, UnreadCountsOutput{Counts: counts, Total: total}, nil
}

type MarkReadInput struct {
	UserID    string `json:"user_id,omitempty" jsonschema:"description=User scope (global when omitted)"`
	MessageID string `json:"message_id" jsonschema:"required,description=Composite message id, e.g. gmail:18c2f4a"`
}

type MarkReadOutput struct {
	MessageID string `json:"message_id"`
	Read      bool   `json:"read"`
}

func (s *Server) handleMarkRead(ctx context.Context, req *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, MarkReadOutput, error) {
	scope := inbox.ScopeUser(input.UserID)
	if s.syncer != nil {
		if err := s.syncer.MarkRead(ctx, scope, input.MessageID); err != nil {
			return nil, MarkReadOutput{}, err
		}
	} else if _, err := s.store.MarkRead(ctx, scope, input.MessageID); err != nil {
		return nil, MarkReadOutput{}, err
	}
	return nil, MarkReadOutput{MessageID: input.MessageID, Read: true}, nil
}

type SendInput struct {
	UserID    string `json:"user_id,omitempty" jsonschema:"description=User scope (global when omitted)"`
	Platform  string `json:"platform" jsonschema:"required,enum=gmail;slack;telegram,description=Platform to send through"`
	Recipient string `json:"recipient" jsonschema:"required,description=Address, channel or chat id"`
	Subject   string `json:"subject,omitempty" jsonschema:"description=Subject (email only)"`
	Body      string `json:"body" jsonschema:"required,description=Message body"`
	ThreadID  string `json:"thread_id,omitempty" jsonschema:"description=Thread to reply into"`
}

type SendOutput struct {
	MessageID string `json:"message_id"`
	SentAt    string `json:"sent_at"`
}

func (s *Server) handleSend(ctx context.Context, req *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, SendOutput, error) {
	if s.syncer == nil {
		return nil, SendOutput{}, fmt.Errorf("no platform clients configured")
	}
	res, err := s.syncer.Send(ctx, inbox.ScopeUser(input.UserID), inbox.Platform(input.Platform), inbox.SendRequest{
		Recipient: input.Recipient,
		Subject:   input.Subject,
		Body:      input.Body,
		ThreadID:  input.ThreadID,
	})
	if err != nil {
		return nil, SendOutput{}, err
	}
	return nil, SendOutput{MessageID: res.MessageID, SentAt: res.SentAt.Format(time.RFC3339)}, nil
}

type ClearCacheInput struct {
	UserID   string `json:"user_id,omitempty" jsonschema:"description=User scope (global when omitted)"`
	Platform string `json:"platform,omitempty" jsonschema:"enum=gmail;slack;telegram,description=Limit to one platform"`
}

type ClearCacheOutput struct {
	Cleared int `json:"cleared"`
}

func (s *Server) handleClearCache(ctx context.Context, req *mcp.CallToolRequest, input ClearCacheInput) (*mcp.CallToolResult, ClearCacheOutput, error) {
	n, err := s.store.ClearCache(ctx, inbox.ScopeUser(input.UserID), inbox.Platform(input.Platform))
	if err != nil {
		return nil, ClearCacheOutput{}, err
	}
	return nil, ClearCacheOutput{Cleared: n}, nil
}

type RecentOpsInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"description=User scope (global when omitted)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum entries to return (default 20)"`
}

type RecentOpsOutput struct {
	Operations []inbox.OpLogEntry `json:"operations"`
}

func (s *Server) handleRecentOps(ctx context.Context, req *mcp.CallToolRequest, input RecentOpsInput) (*mcp.CallToolResult, RecentOpsOutput, error) {
	ops, err := s.store.RecentOps(ctx, inbox.ScopeUser(input.UserID), input.Limit)
	if err != nil {
		return nil, RecentOpsOutput{}, err
	}
	if ops == nil {
		ops = []inbox.OpLogEntry{}
	}
	return nil, RecentOpsOutput{Operations: ops}, nil
}
