// Package datadog implements
// a zookeeper.Observer that posts
// lock lifecycle events to Datadog.
package datadog

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"

	dd "github.com/zorkian/go-datadog-api"
)

// Config holds Observer
// configuration parameters.
type Config struct {
	// Datadog API key.
	APIKey string
	// Datadog app key.
	AppKey string
	// Tags are attached to every event.
	Tags []string
	// TitlePrefix is prepended to
	// event titles. Defaults to "zklock".
	TitlePrefix string
	// BaseURL overrides the Datadog
	// API base URL, e.g. for other sites.
	BaseURL string
	// QueueSize is the number of events
	// buffered for posting. Defaults to 64.
	QueueSize int
}

// Observer posts lock lifecycle events
// to the Datadog API. Events are posted
// from a background goroutine; when the
// queue is full, events are dropped.
type Observer struct {
	// Accessed atomically; keep first for alignment.
	dropped int64

	zookeeper.NopObserver

	c           *dd.Client
	events      chan *dd.Event
	tags        []string
	titlePrefix string

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewObserver takes a *Config and
// returns an *Observer, along with
// any credential validation errors.
func NewObserver(c *Config) (*Observer, error) {
	client := dd.NewClient(c.APIKey, c.AppKey)
	if c.BaseURL != "" {
		client.SetBaseUrl(c.BaseURL)
	}

	// Validate.
	ok, err := client.Validate()
	if err != nil {
		return nil, &APIError{request: "validate credentials", err: err.Error()}
	}

	if !ok {
		return nil, &APIError{request: "validate credentials", err: "invalid API or app key"}
	}

	size := c.QueueSize
	if size == 0 {
		size = 64
	}

	o := &Observer{
		c:           client,
		events:      make(chan *dd.Event, size),
		tags:        c.Tags,
		titlePrefix: c.TitlePrefix,
		done:        make(chan struct{}),
	}

	if o.titlePrefix == "" {
		o.titlePrefix = "zklock"
	}

	go o.eventWriter()

	return o, nil
}

// Acquired posts a lock acquired event.
func (o *Observer) Acquired(group, node string, waited time.Duration) {
	o.write("info", "lock acquired",
		fmt.Sprintf("%s acquired lock %s after waiting %s", node, group, waited), group)
}

// Released posts a lock released event.
func (o *Observer) Released(group, node string, held time.Duration) {
	o.write("info", "lock released",
		fmt.Sprintf("%s released lock %s after holding it for %s", node, group, held), group)
}

// Failed posts a lock failure event.
func (o *Observer) Failed(group, node string, err error) {
	if node == "" {
		node = "unregistered claim"
	}
	o.write("error", "lock failed",
		fmt.Sprintf("%s on lock %s failed: %s", node, group, err), group)
}

// Dropped returns the number of events
// dropped because the queue was full.
func (o *Observer) Dropped() int64 {
	return atomic.LoadInt64(&o.dropped)
}

// Close stops accepting events and
// blocks until queued events are posted.
func (o *Observer) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	o.mu.Unlock()

	<-o.done
}

// write formats an event with the configured
// title prefix and tags and queues it. It
// never blocks the caller.
func (o *Observer) write(alert, title, text, group string) {
	t := fmt.Sprintf("[%s] %s", o.titlePrefix, title)
	tags := append(append([]string(nil), o.tags...), "lock_group:"+group)

	e := &dd.Event{
		Title:     &t,
		Text:      &text,
		Tags:      tags,
		AlertType: &alert,
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		atomic.AddInt64(&o.dropped, 1)
		return
	}

	select {
	case o.events <- e:
	default:
		atomic.AddInt64(&o.dropped, 1)
	}
}

// eventWriter reads from the event
// channel and writes them to the
// Datadog API. Errors are logged and
// do not affect progression.
func (o *Observer) eventWriter() {
	defer close(o.done)

	for e := range o.events {
		if _, err := o.c.PostEvent(e); err != nil {
			log.Printf("Error writing event: %s\n", err)
		}
	}
}
