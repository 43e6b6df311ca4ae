package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const (
	consumerLogPrefix        = "bus:consumer"
	defaultInactiveThreshold = 5 * time.Minute
)

func (c *Client) connectConsumer(ctx context.Context) error {
	c.mu.Lock()
	if c.consumerConn != nil {
		c.mu.Unlock()
		return nil
	}
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()

	nc, err := commsutil.Connect(c.opts.URL, c.opts.ClientID+"-consumer",
		comms.ClosedHandler(func(closed *comms.Conn) {
			c.mu.Lock()
			current := c.consumerConn == closed
			c.mu.Unlock()
			if current {
				c.scheduleRecovery("connection closed")
			}
		}),
	)
	if err != nil {
		return err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to create JetStream context: %w", consumerLogPrefix, err)
	}
	if err := c.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}

	var cc jetstream.ConsumeContext
	if len(topics) > 0 {
		subjects := make([]string, len(topics))
		for i, t := range topics {
			subjects[i] = commsutil.BuildTopicSubject(c.opts.SubjectPrefix, t)
		}
		cons, err := js.CreateOrUpdateConsumer(ctx, c.opts.Stream, jetstream.ConsumerConfig{
			Durable:           c.opts.GroupID,
			FilterSubjects:    subjects,
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     jetstream.DeliverNewPolicy,
			InactiveThreshold: c.opts.InactiveThreshold,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to create consumer %s: %w", consumerLogPrefix, c.opts.GroupID, err)
		}
		cc, err = cons.Consume(c.handleDelivery, jetstream.ConsumeErrHandler(c.handleConsumeError))
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to start consuming: %w", consumerLogPrefix, err)
		}
	}

	c.mu.Lock()
	c.consumerConn = nc
	c.consumerJS = js
	c.consumeCtx = cc
	c.mu.Unlock()

	zap.S().Infof("%s - consumer %s connected, topics=%v", consumerLogPrefix, c.opts.GroupID, topics)
	c.hooks.Publish(hookTopic(RoleConsumer, "connect"), RoleConsumer)
	return nil
}

func (c *Client) disconnectConsumer() {
	c.mu.Lock()
	nc := c.consumerConn
	cc := c.consumeCtx
	c.consumerConn = nil
	c.consumerJS = nil
	c.consumeCtx = nil
	c.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	if nc == nil {
		return
	}
	nc.Close()
	zap.S().Infof("%s - consumer disconnected", consumerLogPrefix)
	c.hooks.Publish(hookTopic(RoleConsumer, "disconnect"), RoleConsumer)
}

// deleteConsumer stops consuming and removes the durable consumer. The
// connection itself is closed by disconnectConsumer.
func (c *Client) deleteConsumer(ctx context.Context) {
	c.mu.Lock()
	js := c.consumerJS
	cc := c.consumeCtx
	c.consumeCtx = nil
	c.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	if js == nil {
		return
	}
	err := js.DeleteConsumer(ctx, c.opts.Stream, c.opts.GroupID)
	switch {
	case err == nil:
		zap.S().Infof("%s - deleted consumer %s", consumerLogPrefix, c.opts.GroupID)
	case errors.Is(err, jetstream.ErrConsumerNotFound):
	default:
		zap.S().Warnf("%s - failed to delete consumer %s: %v", consumerLogPrefix, c.opts.GroupID, err)
	}
}

// handleDelivery decodes one message and republishes it to the topic's
// handlers. Nothing here stops the consume loop.
func (c *Client) handleDelivery(msg jetstream.Msg) {
	topic := commsutil.TopicFromSubject(c.opts.SubjectPrefix, msg.Subject())

	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("%s - handler for %s panicked: %v", consumerLogPrefix, topic, r)
		}
		if err := msg.Ack(); err != nil {
			zap.S().Debugf("%s - ack on %s failed: %v", consumerLogPrefix, topic, err)
		}
	}()

	var m Message
	if err := commsutil.DecodePayload(msg.Data(), &m); err != nil || m == nil {
		c.metrics.BusDecodeFailure()
		zap.S().Warnf("%s - dropping malformed message on %s: %v", consumerLogPrefix, topic, err)
		return
	}

	if id := m.MessageID(); id != "" {
		if dup, _ := c.seen.ContainsOrAdd(id, struct{}{}); dup {
			c.metrics.BusDuplicate()
			zap.S().Debugf("%s - dropping duplicate %s on %s", consumerLogPrefix, id, topic)
			return
		}
	}

	c.metrics.BusMessage(topic, string(m.Kind()))
	if !c.handlers.Publish(topic, m) {
		zap.S().Debugf("%s - no handler for %s", consumerLogPrefix, topic)
	}
}

func (c *Client) handleConsumeError(_ jetstream.ConsumeContext, err error) {
	if errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, comms.ErrConnectionClosed) {
		c.scheduleRecovery(err.Error())
		return
	}
	zap.S().Warnf("%s - consume error: %v", consumerLogPrefix, err)
}

// scheduleRecovery restores every wanted role in the background, retrying
// forever with capped exponential backoff until the client is closed.
func (c *Client) scheduleRecovery(reason string) {
	if c.lifetime.Err() != nil {
		return
	}
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}

	zap.S().Warnf("%s - consumer crashed (%s), recovering", consumerLogPrefix, reason)
	c.metrics.BusReconnect(string(RoleConsumer), "crash")

	go func() {
		defer c.recovering.Store(false)
		b := c.newBackOff()
		for {
			err := c.recoverOnce()
			if err == nil {
				zap.S().Infof("%s - recovered from crash", consumerLogPrefix)
				return
			}
			if c.lifetime.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			zap.S().Warnf("%s - recovery failed, retrying in %s: %v", consumerLogPrefix, wait, err)
			select {
			case <-c.lifetime.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (c *Client) recoverOnce() error {
	if err := c.membership.Acquire(c.lifetime, 1); err != nil {
		return err
	}
	defer c.membership.Release(1)

	c.mu.Lock()
	wantProducer, wantConsumer := c.wantProducer, c.wantConsumer
	c.mu.Unlock()

	if wantConsumer {
		c.disconnectConsumer()
		if err := c.connectConsumer(c.lifetime); err != nil {
			return err
		}
	}
	if wantProducer {
		if err := c.connectProducer(c.lifetime); err != nil {
			return err
		}
	}
	return nil
}
