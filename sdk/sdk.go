// Package sdk is the reporting client embedded in instrumented applications.
// It samples, batches and delivers web-vital measurements to the ingestion
// endpoint, holding undelivered events in a bounded in-memory queue.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asteriostudio/pulsebear/model"
	"github.com/asteriostudio/pulsebear/sdk/transport"
)

const (
	defaultBatchSize = 20
	defaultInterval  = 5000 * time.Millisecond
	maxQueueSize     = 1000
)

var mobileUA = regexp.MustCompile(`(?i)mobi|android|iphone|ipad|ipod`)

// Environment abstracts the host the client runs in: user agent, privacy
// signal, connectivity and the attribution snapshot attached to events.
type Environment interface {
	Available() bool
	UserAgent() string
	DoNotTrack() bool
	Online() bool
	Attribution() *model.Attribution
}

// StaticEnvironment is an Environment with fixed answers. Server-side hosts
// and tests use it; browser-like hosts implement Environment over their own
// runtime signals.
type StaticEnvironment struct {
	UA      string
	DNT     bool
	Offline bool
	Attr    *model.Attribution
}

func (e *StaticEnvironment) Available() bool                 { return true }
func (e *StaticEnvironment) UserAgent() string               { return e.UA }
func (e *StaticEnvironment) DoNotTrack() bool                { return e.DNT }
func (e *StaticEnvironment) Online() bool                    { return !e.Offline }
func (e *StaticEnvironment) Attribution() *model.Attribution { return e.Attr }

// BatchOptions controls event batching. When disabled every event is sent
// immediately on its own.
type BatchOptions struct {
	Enabled  bool
	Size     int           // flush when the queue reaches this size
	Interval time.Duration // flush at most this long after the first queued event
	Endpoint string        // defaults to Endpoint + "/batch"
}

// Options configures a Client. Endpoint and ProjectID are required.
type Options struct {
	Endpoint  string
	ProjectID string

	// Sampling is the per-event keep probability in [0,1]. Nil means keep
	// every event.
	Sampling *float64

	// Headers are added to every delivery request.
	Headers map[string]string

	Batch BatchOptions

	// Context supplies extra key-value context attached to every event.
	// Errors are logged and the event is sent without context.
	Context func() (map[string]any, error)

	Debug  bool
	Logger *zap.SugaredLogger

	Environment Environment

	// Transport delivers payloads and reports failures so events can be
	// requeued. BestEffort is used for lifecycle flushes where waiting is
	// not an option.
	Transport  transport.Transport
	BestEffort transport.Transport
}

// Client is the reporting client. All methods are safe for concurrent use.
type Client struct {
	mu    sync.Mutex
	opts  Options
	queue []model.Event

	timer      *time.Timer
	timerArmed bool

	device model.DeviceType

	// injected for tests
	afterFunc func(time.Duration, func()) *time.Timer
	randFloat func() float64
	now       func() time.Time
}

// New builds a Client. The client starts delivering as soon as events are
// captured; there is no separate start call.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if opts.ProjectID == "" {
		return nil, errors.New("projectId is required")
	}
	if opts.Environment == nil {
		opts.Environment = &StaticEnvironment{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewAwaitable()
	}
	if opts.BestEffort == nil {
		opts.BestEffort = &transport.BestEffort{Base: opts.Transport}
	}
	applyBatchDefaults(&opts)

	c := &Client{
		opts:      opts,
		device:    classifyDevice(opts.Environment.UserAgent()),
		afterFunc: time.AfterFunc,
		randFloat: rand.Float64,
		now:       time.Now,
	}
	return c, nil
}

func applyBatchDefaults(opts *Options) {
	if opts.Batch.Size <= 0 {
		opts.Batch.Size = defaultBatchSize
	}
	if opts.Batch.Interval <= 0 {
		opts.Batch.Interval = defaultInterval
	}
	if opts.Batch.Endpoint == "" {
		opts.Batch.Endpoint = opts.Endpoint + "/batch"
	}
}

func classifyDevice(ua string) model.DeviceType {
	if mobileUA.MatchString(ua) {
		return model.Mobile
	}
	return model.Desktop
}

// IsInitialized reports whether the host environment supports reporting.
func (c *Client) IsInitialized() bool {
	env, _ := c.environment()
	return env.Available()
}

// Reconfigure merges non-zero fields of opts into the running configuration.
// Queued events are kept.
func (c *Client) Reconfigure(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.Endpoint != "" {
		c.opts.Endpoint = opts.Endpoint
	}
	if opts.ProjectID != "" {
		c.opts.ProjectID = opts.ProjectID
	}
	if opts.Sampling != nil {
		c.opts.Sampling = opts.Sampling
	}
	if opts.Headers != nil {
		c.opts.Headers = opts.Headers
	}
	if opts.Context != nil {
		c.opts.Context = opts.Context
	}
	if opts.Logger != nil {
		c.opts.Logger = opts.Logger
	}
	if opts.Environment != nil {
		c.opts.Environment = opts.Environment
		c.device = classifyDevice(opts.Environment.UserAgent())
	}
	if opts.Transport != nil {
		c.opts.Transport = opts.Transport
	}
	if opts.BestEffort != nil {
		c.opts.BestEffort = opts.BestEffort
	}
	if opts.Batch.Enabled {
		c.opts.Batch.Enabled = true
	}
	if opts.Batch.Size > 0 {
		c.opts.Batch.Size = opts.Batch.Size
	}
	if opts.Batch.Interval > 0 {
		c.opts.Batch.Interval = opts.Batch.Interval
	}
	if opts.Batch.Endpoint != "" {
		c.opts.Batch.Endpoint = opts.Batch.Endpoint
	}
	c.opts.Debug = c.opts.Debug || opts.Debug
}

// CaptureVital records one web-vital measurement.
func (c *Client) CaptureVital(ctx context.Context, sample model.MetricSample) {
	env, device := c.environment()
	if !env.Available() {
		return
	}

	e := model.Event{
		Type:        model.TypeWebVital,
		Metric:      &sample,
		Attribution: env.Attribution(),
		Timestamp:   c.now().UnixMilli(),
		DeviceType:  device,
		Context:     c.eventContext(),
	}
	c.enqueue(ctx, e)
}

// ReportCustomMetric records an application-defined measurement.
func (c *Client) ReportCustomMetric(ctx context.Context, name string, value float64, attributes map[string]any) {
	env, device := c.environment()
	if !env.Available() {
		return
	}

	e := model.Event{
		Type:       model.TypeCustom,
		Name:       name,
		Value:      &value,
		Attributes: attributes,
		Timestamp:  c.now().UnixMilli(),
		DeviceType: device,
		Context:    c.eventContext(),
	}
	c.enqueue(ctx, e)
}

// environment snapshots the fields Reconfigure may swap. Environment
// callbacks run outside the mutex.
func (c *Client) environment() (Environment, model.DeviceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Environment, c.device
}

// eventContext asks the provider for extra context. A failing or panicking
// provider must never lose the event itself.
func (c *Client) eventContext() (extra map[string]any) {
	c.mu.Lock()
	provider := c.opts.Context
	c.mu.Unlock()
	if provider == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			c.debugf("context provider panicked: %v", r)
			extra = nil
		}
	}()
	got, err := provider()
	if err != nil {
		c.debugf("context provider failed: %v", err)
		return nil
	}
	return got
}

// enqueue applies the sampling decision and queues the event, dropping the
// oldest queued event when the queue is full. Unbatched clients flush
// immediately.
func (c *Client) enqueue(ctx context.Context, e model.Event) {
	if !c.sampled() {
		c.debugf("event dropped by sampling")
		return
	}

	c.mu.Lock()
	dropped := false
	if len(c.queue) >= maxQueueSize {
		c.queue = c.queue[1:]
		dropped = true
	}
	c.queue = append(c.queue, e)

	flushNow := !c.opts.Batch.Enabled || len(c.queue) >= c.opts.Batch.Size
	if !flushNow {
		c.armTimerLocked()
	}
	c.mu.Unlock()

	if dropped {
		c.debugf("queue full, dropped oldest event")
	}
	if flushNow {
		c.flush(ctx, false)
	}
}

// sampled draws the per-event keep decision. Do Not Track always drops.
func (c *Client) sampled() bool {
	c.mu.Lock()
	env := c.opts.Environment
	sampling := c.opts.Sampling
	c.mu.Unlock()

	if env.DoNotTrack() {
		return false
	}
	if sampling == nil {
		return true
	}
	rate := *sampling
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return c.randFloat() < rate
}

// Flush sends everything currently queued, waiting for the result.
func (c *Client) Flush(ctx context.Context) {
	c.flush(ctx, false)
}

// flush drains the queue and delivers it. On delivery failure the events go
// back to the front of the queue so ordering survives retries. When offline
// the queue is kept untouched until connectivity returns.
func (c *Client) flush(ctx context.Context, preferFireAndForget bool) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerArmed = false

	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	if !c.opts.Environment.Online() {
		backlog := len(c.queue)
		c.mu.Unlock()
		c.debugf("offline, keeping %d queued events", backlog)
		return
	}

	batched := c.opts.Batch.Enabled

	// One flush delivers at most one batch. Anything beyond the batch size
	// stays queued and the timer is re-armed; flush never recurses.
	events := c.queue
	if batched && len(events) > c.opts.Batch.Size {
		events = make([]model.Event, c.opts.Batch.Size)
		copy(events, c.queue)
		c.queue = append([]model.Event(nil), c.queue[c.opts.Batch.Size:]...)
	} else {
		c.queue = nil
	}

	url := c.opts.Endpoint
	if batched {
		url = c.opts.Batch.Endpoint
	}
	tr := c.opts.Transport
	if preferFireAndForget {
		tr = c.opts.BestEffort
	}
	headers := c.opts.Headers
	projectID := c.opts.ProjectID
	c.mu.Unlock()

	if batched {
		if err := c.send(ctx, tr, url, model.BatchOf(projectID, events), headers); err != nil {
			c.debugf("delivery failed, requeueing %d events: %v", len(events), err)
			c.requeueFront(events)
			return
		}
		c.debugf("delivered %d events", len(events))
		c.rearmIfBacklogged()
		return
	}

	// Unbatched delivery is one request per event. The queue can still hold
	// several events here after a requeued failure.
	for i, e := range events {
		if err := c.send(ctx, tr, url, model.Single(projectID, e), headers); err != nil {
			c.debugf("delivery failed, requeueing %d events: %v", len(events)-i, err)
			c.requeueFront(events[i:])
			return
		}
	}
	c.debugf("delivered %d events", len(events))
}

func (c *Client) send(ctx context.Context, tr transport.Transport, url string, payload model.Payload, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tr.Send(ctx, url, body, headers)
}

func (c *Client) requeueFront(events []model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(events, c.queue...)
	if len(c.queue) > maxQueueSize {
		c.queue = c.queue[len(c.queue)-maxQueueSize:]
	}
	c.armTimerLocked()
}

func (c *Client) rearmIfBacklogged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armTimerLocked()
}

func (c *Client) armTimerLocked() {
	if c.opts.Batch.Enabled && len(c.queue) > 0 && !c.timerArmed {
		c.timerArmed = true
		c.timer = c.afterFunc(c.opts.Batch.Interval, func() {
			c.flush(context.Background(), false)
		})
	}
}

// PageHidden flushes with the fire-and-forget transport. Hosts call it when
// the page loses visibility.
func (c *Client) PageHidden(ctx context.Context) {
	c.flush(ctx, true)
}

// PageHide flushes with the fire-and-forget transport on page teardown.
func (c *Client) PageHide(ctx context.Context) {
	c.flush(ctx, true)
}

// BeforeUnload flushes with the fire-and-forget transport before the host
// exits.
func (c *Client) BeforeUnload(ctx context.Context) {
	c.flush(ctx, true)
}

// Online flushes the backlog accumulated while the host was offline. Hosts
// call it when connectivity returns.
func (c *Client) Online(ctx context.Context) {
	c.flush(ctx, false)
}

// Close stops the flush timer and performs a final awaited flush.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerArmed = false
	c.mu.Unlock()

	c.flush(ctx, false)
}

// QueueLen reports the number of events waiting for delivery.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// debugf must be called without the mutex held.
func (c *Client) debugf(format string, args ...any) {
	c.mu.Lock()
	debug := c.opts.Debug
	logger := c.opts.Logger
	c.mu.Unlock()

	if debug {
		logger.Debugf(format, args...)
	}
}
