package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const topicsLogPrefix = "bus:topics"

// Topics returns the current topic set in subscription order.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// SubscribeToTopic adds topic to the consumer group. Returns false when it is
// already subscribed. The change is applied by a full reconnect cycle.
func (c *Client) SubscribeToTopic(ctx context.Context, topic string) (bool, error) {
	n, err := c.SubscribeToTopics(ctx, topic)
	return n > 0, err
}

// SubscribeToTopics adds every new topic in one reconnect cycle and returns
// how many were added.
func (c *Client) SubscribeToTopics(ctx context.Context, topics ...string) (int, error) {
	for _, t := range topics {
		if t == "" {
			continue
		}
		if err := commsutil.ValidateTopic(t); err != nil {
			return 0, fmt.Errorf("%s - failed to subscribe: %w", topicsLogPrefix, err)
		}
	}
	if err := c.membership.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("%s - failed to subscribe: %w", topicsLogPrefix, err)
	}
	defer c.membership.Release(1)

	c.mu.Lock()
	var added []string
	for _, t := range topics {
		if t == "" || containsTopic(c.topics, t) || containsTopic(added, t) {
			continue
		}
		added = append(added, t)
	}
	c.mu.Unlock()

	if len(added) == 0 {
		return 0, nil
	}

	zap.S().Infof("%s - subscribing to %v", topicsLogPrefix, added)
	err := c.reconnect(ctx, func() {
		c.topics = append(c.topics, added...)
	})
	return len(added), err
}

// UnsubscribeFromTopic removes topic from the consumer group and drops its
// local handlers. Returns false when it was not subscribed.
func (c *Client) UnsubscribeFromTopic(ctx context.Context, topic string) (bool, error) {
	if err := c.membership.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("%s - failed to unsubscribe: %w", topicsLogPrefix, err)
	}
	defer c.membership.Release(1)

	c.mu.Lock()
	subscribed := containsTopic(c.topics, topic)
	c.mu.Unlock()
	if !subscribed {
		return false, nil
	}

	zap.S().Infof("%s - unsubscribing from %s", topicsLogPrefix, topic)
	c.handlers.Unsubscribe(topic)
	err := c.reconnect(ctx, func() {
		kept := c.topics[:0]
		for _, t := range c.topics {
			if t != topic {
				kept = append(kept, t)
			}
		}
		c.topics = kept
	})
	return true, err
}

// reconnect disconnects the connected roles, applies mutate under c.mu and
// connects the same roles again. The membership semaphore must be held.
func (c *Client) reconnect(ctx context.Context, mutate func()) error {
	c.mu.Lock()
	var roles []Role
	if c.producerConn != nil {
		roles = append(roles, RoleProducer)
	}
	if c.consumerConn != nil {
		roles = append(roles, RoleConsumer)
	}
	c.mu.Unlock()

	for _, r := range roles {
		c.disconnectRoles(r)
	}

	c.mu.Lock()
	mutate()
	c.mu.Unlock()

	for _, r := range roles {
		c.metrics.BusReconnect(string(r), "topics_changed")
		if err := c.connectRoles(ctx, r); err != nil {
			c.scheduleRecovery("reconnect aborted")
			return fmt.Errorf("%s - failed to reconnect %s: %w", topicsLogPrefix, r, err)
		}
	}
	return nil
}
