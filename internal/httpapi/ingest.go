package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openinbox/inboxd/internal/inbox"
)

// messageBatchSchema validates ingested batches before they reach the store,
// so a malformed payload is rejected with a precise message instead of a
// partial upsert error.
const messageBatchSchema = `{
	"type": "object",
	"required": ["messages"],
	"properties": {
		"messages": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "platform", "sender", "timestamp"],
				"properties": {
					"id":           {"type": "string", "minLength": 1},
					"platform":     {"enum": ["gmail", "slack", "telegram"]},
					"sender":       {"type": "string", "minLength": 1},
					"sender_email": {"type": "string"},
					"subject":      {"type": "string"},
					"preview":      {"type": "string"},
					"body":         {"type": "string"},
					"thread_id":    {"type": "string"},
					"channel":      {"type": "string"},
					"timestamp":    {"type": "string"},
					"unread":       {"type": "boolean"},
					"raw_json":     {}
				}
			}
		}
	}
}`

var batchSchema = mustCompileSchema(messageBatchSchema)

func mustCompileSchema(text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://batch.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("inline://batch.json")
	if err != nil {
		panic(err)
	}
	return schema
}

type ingestMessage struct {
	ID          string          `json:"id"`
	Platform    string          `json:"platform"`
	Sender      string          `json:"sender"`
	SenderEmail string          `json:"sender_email"`
	Subject     string          `json:"subject"`
	Preview     string          `json:"preview"`
	Body        string          `json:"body"`
	ThreadID    string          `json:"thread_id"`
	Channel     string          `json:"channel"`
	Timestamp   string          `json:"timestamp"`
	Unread      bool            `json:"unread"`
	RawJSON     json.RawMessage `json:"raw_json"`
}

func decodeMessageBatch(body []byte) ([]inbox.Message, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid json body")
	}
	if err := batchSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid message batch: %v", err)
	}

	var req struct {
		Messages []ingestMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid json body")
	}

	out := make([]inbox.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		ts, err := parseIngestTime(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("message %s: %v", m.ID, err)
		}
		out = append(out, inbox.Message{
			ID:          m.ID,
			Platform:    inbox.Platform(m.Platform),
			Sender:      m.Sender,
			SenderEmail: m.SenderEmail,
			Subject:     m.Subject,
			Preview:     m.Preview,
			Body:        m.Body,
			ThreadID:    m.ThreadID,
			Channel:     m.Channel,
			Timestamp:   ts,
			Unread:      m.Unread,
			RawJSON:     m.RawJSON,
		})
	}
	return out, nil
}

func parseIngestTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}
