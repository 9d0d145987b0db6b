package signal

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PubSub is the production Channel: each conversation maps to one pubsub
// topic, and every write publishes the FULL merged record as JSON. Remote
// snapshots arrive at-least-once and unordered, which is exactly the delivery
// contract Channel documents, so no sequencing is attempted here.
type PubSub struct {
	ctx    context.Context
	ps     *pubsub.PubSub
	self   peer.ID
	prefix string

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu        sync.Mutex
	rec       Record
	has       bool
	listeners map[int]func(Record)
	nextSub   int
}

// NewPubSub wraps an existing gossipsub instance. prefix namespaces the
// topics so unrelated deployments on the same network do not cross-talk.
func NewPubSub(ctx context.Context, ps *pubsub.PubSub, self peer.ID, prefix string) *PubSub {
	return &PubSub{
		ctx:    ctx,
		ps:     ps,
		self:   self,
		prefix: prefix,
		convs:  make(map[string]*conversation),
	}
}

func (p *PubSub) Read(conversationID string) (Record, bool) {
	c, err := p.join(conversationID)
	if err != nil {
		return Record{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return Record{}, false
	}
	return c.rec.Clone(), true
}

func (p *PubSub) Write(conversationID string, rec Record) {
	c, err := p.join(conversationID)
	if err != nil {
		log.Printf("SIGNAL: join %s failed: %v", conversationID, err)
		return
	}
	c.mu.Lock()
	c.rec = rec.Clone()
	c.has = true
	snapshot := c.rec.Clone()
	c.mu.Unlock()

	p.publish(c, conversationID, snapshot)
	c.fanout(snapshot)
}

func (p *PubSub) Merge(conversationID string, patch Patch) {
	c, err := p.join(conversationID)
	if err != nil {
		log.Printf("SIGNAL: join %s failed: %v", conversationID, err)
		return
	}
	c.mu.Lock()
	c.rec = c.rec.Apply(patch)
	c.has = true
	snapshot := c.rec.Clone()
	c.mu.Unlock()

	p.publish(c, conversationID, snapshot)
	c.fanout(snapshot)
}

func (p *PubSub) Subscribe(conversationID string, fn func(Record)) func() {
	c, err := p.join(conversationID)
	if err != nil {
		log.Printf("SIGNAL: join %s failed: %v", conversationID, err)
		return func() {}
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// publish is fire-and-forget: a failed publish is logged and dropped. The
// caller-side ring timeout eventually resolves any record the remote party
// never saw.
func (p *PubSub) publish(c *conversation, conversationID string, rec Record) {
	b, err := json.Marshal(rec)
	if err != nil {
		log.Printf("SIGNAL: marshal record for %s: %v", conversationID, err)
		return
	}
	if err := c.topic.Publish(p.ctx, b); err != nil {
		log.Printf("SIGNAL: publish to %s failed (not retried): %v", conversationID, err)
	}
}

// join lazily joins the conversation's topic and starts its read loop.
func (p *PubSub) join(conversationID string) (*conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.convs[conversationID]; ok {
		return c, nil
	}

	topic, err := p.ps.Join(p.prefix + "." + conversationID)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, err
	}

	c := &conversation{
		topic:     topic,
		sub:       sub,
		listeners: make(map[int]func(Record)),
	}
	p.convs[conversationID] = c
	go p.readLoop(conversationID, c)
	return c, nil
}

func (p *PubSub) readLoop(conversationID string, c *conversation) {
	for {
		msg, err := c.sub.Next(p.ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		// Own publishes were already fanned out locally at write time.
		if msg.ReceivedFrom == p.self {
			continue
		}

		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			log.Printf("SIGNAL: bad snapshot on %s from %s: %v", conversationID, msg.ReceivedFrom, err)
			continue
		}

		c.mu.Lock()
		c.rec = rec.Clone()
		c.has = true
		c.mu.Unlock()

		c.fanout(rec)
	}
}

func (c *conversation) fanout(rec Record) {
	c.mu.Lock()
	fns := make([]func(Record), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(rec.Clone())
	}
}

// Close leaves all joined topics.
func (p *PubSub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.convs {
		c.sub.Cancel()
		if err := c.topic.Close(); err != nil {
			log.Printf("SIGNAL: close topic %s: %v", id, err)
		}
	}
	p.convs = make(map[string]*conversation)
}
