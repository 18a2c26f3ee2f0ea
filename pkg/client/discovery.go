package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// discoverDelay is the base delay before an auto-discovery attempt, spread
// by jitter so participants joining together do not stampede the peer.
const discoverDelay = 500 * time.Millisecond

// discoverAttempts bounds jittered auto-discovery retries per join.
const discoverAttempts = 3

type toolListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// DiscoverTools fetches a peer's tool catalog via tools/list. Results are
// cached per peer until the peer leaves the space.
func (c *Client) DiscoverTools(ctx context.Context, peer string) ([]ToolInfo, error) {
	c.mu.Lock()
	if cached, ok := c.toolCache[peer]; ok {
		out := append([]ToolInfo(nil), cached...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	raw, err := c.MCPRequest(ctx, []string{peer}, "tools/list", map[string]any{}, 0)
	if err != nil {
		return nil, err
	}
	var res toolListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	c.mu.Lock()
	c.toolCache[peer] = res.Tools
	c.mu.Unlock()
	c.log.Debug("Discovered peer tools", "peer", peer, "tools", len(res.Tools))
	return append([]ToolInfo(nil), res.Tools...), nil
}

// autoDiscover runs the delayed, jittered discovery triggered by a
// responder-capable peer joining.
func (c *Client) autoDiscover(peer string) {
	defer c.wg.Done()
	delay := discoverDelay
	for attempt := 1; attempt <= discoverAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(withJitter(delay)):
		}
		_, err := c.DiscoverTools(c.ctx, peer)
		if err == nil {
			return
		}
		c.log.Debug("Tool discovery attempt failed", "peer", peer, "attempt", attempt, "error", err)
		delay *= 2
	}
	c.log.Warn("Tool discovery gave up", "peer", peer, "attempts", discoverAttempts)
}
