// Package memory stores conversation history for chat sessions.
//
// Each session gets a [Conversation] backed by a shared [kv.Store].
// Messages are msgpack-encoded and keyed by nanosecond timestamp, so
// prefix iteration yields them in chronological order. A revert point
// is kept at the last user message to support a "regenerate" flow.
//
// Persistence is driven by the agent after a turn completes; a
// cancelled turn never reaches Append.
package memory

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mintlabs/chatpipe/pkg/kv"
	"github.com/vmihailenco/msgpack/v5"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role" msgpack:"role"`
	Content string `json:"content,omitempty" msgpack:"content,omitempty"`

	// Timestamp is Unix nanoseconds at creation time.
	Timestamp int64 `json:"ts" msgpack:"ts"`

	// Tool fields, set when Role is RoleTool.
	ToolName   string `json:"tool,omitempty" msgpack:"tool,omitempty"`
	ToolCallID string `json:"tc_id,omitempty" msgpack:"tc_id,omitempty"`
}

func nowNano() int64 { return time.Now().UnixNano() }

// Conversation is the message log for one chat session.
type Conversation struct {
	store     kv.Store
	sessionID string
}

// NewConversation opens the message log for sessionID on store.
func NewConversation(store kv.Store, sessionID string) *Conversation {
	return &Conversation{store: store, sessionID: sessionID}
}

// ID returns the session identifier.
func (c *Conversation) ID() string { return c.sessionID }

func msgKey(sessionID string, ts int64) kv.Key {
	return kv.Key{"conv", sessionID, "msg", strconv.FormatInt(ts, 10)}
}

func msgPrefix(sessionID string) kv.Key {
	return kv.Key{"conv", sessionID, "msg"}
}

func revertKey(sessionID string) kv.Key {
	return kv.Key{"conv", sessionID, "revert"}
}

// Append stores msg. A zero Timestamp is filled with the current time.
// User messages also update the revert point.
func (c *Conversation) Append(ctx context.Context, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = nowNano()
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, msgKey(c.sessionID, msg.Timestamp), data); err != nil {
		return err
	}

	if msg.Role == RoleUser {
		ts := strconv.FormatInt(msg.Timestamp, 10)
		return c.store.Set(ctx, revertKey(c.sessionID), []byte(ts))
	}
	return nil
}

// Recent returns the n most recent messages, oldest first.
func (c *Conversation) Recent(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// All returns every message in chronological order.
func (c *Conversation) All(ctx context.Context) ([]Message, error) {
	var msgs []Message
	for entry, err := range c.store.List(ctx, msgPrefix(c.sessionID)) {
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := msgpack.Unmarshal(entry.Value, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (c *Conversation) Count(ctx context.Context) (int, error) {
	count := 0
	for _, err := range c.store.List(ctx, msgPrefix(c.sessionID)) {
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// Revert deletes the last user message and everything after it, then
// moves the revert point back to the previous user message. It is a
// no-op when no revert point exists.
func (c *Conversation) Revert(ctx context.Context) error {
	rk := revertKey(c.sessionID)
	data, err := c.store.Get(ctx, rk)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}
	revertTS, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}

	var toDelete []kv.Key
	for entry, err := range c.store.List(ctx, msgPrefix(c.sessionID)) {
		if err != nil {
			return err
		}
		ts, err := strconv.ParseInt(entry.Key[len(entry.Key)-1], 10, 64)
		if err != nil {
			continue
		}
		if ts >= revertTS {
			toDelete = append(toDelete, entry.Key)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}
	if err := c.store.BatchDelete(ctx, toDelete); err != nil {
		return err
	}

	// Move the revert point to the latest remaining user message.
	var latestUserTS int64
	for entry, err := range c.store.List(ctx, msgPrefix(c.sessionID)) {
		if err != nil {
			return err
		}
		var msg Message
		if err := msgpack.Unmarshal(entry.Value, &msg); err != nil {
			continue
		}
		if msg.Role == RoleUser && msg.Timestamp > latestUserTS {
			latestUserTS = msg.Timestamp
		}
	}
	if latestUserTS > 0 {
		return c.store.Set(ctx, rk, []byte(strconv.FormatInt(latestUserTS, 10)))
	}
	return c.store.Delete(ctx, rk)
}

// Clear removes all messages and the revert point.
func (c *Conversation) Clear(ctx context.Context) error {
	var keys []kv.Key
	for entry, err := range c.store.List(ctx, msgPrefix(c.sessionID)) {
		if err != nil {
			return err
		}
		keys = append(keys, entry.Key)
	}
	keys = append(keys, revertKey(c.sessionID))
	return c.store.BatchDelete(ctx, keys)
}
