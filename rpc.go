package carotte

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/interceptors"
	"github.com/glimte/carotte-go/internal/codec"
	"github.com/glimte/carotte-go/internal/rabbitmq"
)

const replyPurpose = "carotte:replies"

// ParallelCallback receives every answer to a Parallel call, or the error
// one of them carried.
type ParallelCallback func(err error, answer *contracts.Envelope)

// Invoker is implemented by Client and Message.
type Invoker interface {
	Invoke(ctx context.Context, qualifier string, payload any, opts ...CallOption) (json.RawMessage, error)
}

type replyResult struct {
	envelope *contracts.Envelope
	err      error
}

// pendingCall is an outstanding correlation id.
type pendingCall struct {
	result   chan replyResult
	callback ParallelCallback
	timer    *time.Timer

	mu      sync.Mutex
	idle    *sync.Cond
	running bool
	cleared bool
}

func newParallelCall(cb ParallelCallback) *pendingCall {
	p := &pendingCall{callback: cb}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// deliver runs the callback unless the call was cleared. Deliveries of one
// call never overlap. A final delivery clears the call.
func (p *pendingCall) deliver(err error, answer *contracts.Envelope, final bool) {
	p.mu.Lock()
	for p.running {
		p.idle.Wait()
	}
	if p.cleared {
		p.mu.Unlock()
		return
	}
	p.cleared = final
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.idle.Broadcast()
		p.mu.Unlock()
	}()
	p.callback(err, answer)
}

// clear prevents any later delivery. It does not wait for a running one,
// so a callback may clear its own call.
func (p *pendingCall) clear() {
	if p.callback == nil {
		return
	}
	p.mu.Lock()
	p.cleared = true
	p.mu.Unlock()
}

// replySubscription is the shared reply queue, established once.
type replySubscription struct {
	done  chan struct{}
	queue string
	err   error
}

// Invoke publishes payload and waits for the answer of the subscriber.
// A failure signalled by the subscriber is returned as *contracts.Error.
func (c *Client) Invoke(ctx context.Context, qualifier string, payload any, opts ...CallOption) (json.RawMessage, error) {
	o := newCallOptions(opts)
	env, err := c.invoke(ctx, qualifier, payload, o)
	if err != nil {
		return nil, err
	}
	if o.completeAnswer {
		return env.Marshal()
	}
	return env.Data, nil
}

// InvokeWithFullResponse is Invoke returning the whole answer envelope.
func (c *Client) InvokeWithFullResponse(ctx context.Context, qualifier string, payload any, opts ...CallOption) (*contracts.Envelope, error) {
	return c.invoke(ctx, qualifier, payload, newCallOptions(opts))
}

// InvokeAs invokes qualifier and decodes the answer into T.
func InvokeAs[T any](ctx context.Context, inv Invoker, qualifier string, payload any, opts ...CallOption) (T, error) {
	var out T
	raw, err := inv.Invoke(ctx, qualifier, payload, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := codec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode answer of %s: %w", qualifier, err)
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, qualifier string, payload any, o *callOptions) (*contracts.Envelope, error) {
	call := &interceptors.Call{
		Kind:      interceptors.KindInvoke,
		Qualifier: qualifier,
		Payload:   payload,
		Headers:   o.headers,
		Context:   o.context,
	}
	res, err := c.plugins.Execute(ctx, call, func(ctx context.Context, call *interceptors.Call) (any, error) {
		o.headers = call.Headers
		o.context = call.Context
		return c.doInvoke(ctx, call.Qualifier, call.Payload, o)
	})
	if err != nil {
		return nil, err
	}
	if env, ok := res.(*contracts.Envelope); ok && env != nil {
		return env, nil
	}
	return contracts.NewEnvelope(res, o.context)
}

func (c *Client) doInvoke(ctx context.Context, qualifier string, payload any, o *callOptions) (*contracts.Envelope, error) {
	start := time.Now()

	queue, err := c.replyQueue(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	call := &pendingCall{result: make(chan replyResult, 1)}
	c.addPending(id, call)

	if err := c.publish(ctx, qualifier, payload, c.rpcOptions(o, queue, id)); err != nil {
		c.removePending(id)
		c.metrics.RecordInvoke(qualifier, time.Since(start), false)
		return nil, err
	}

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-call.result:
		if r.envelope != nil {
			o.context.MergeReply(r.envelope.Context)
			if o.onReply != nil {
				o.onReply(r.envelope.Context)
			}
		}
		c.metrics.RecordInvoke(qualifier, time.Since(start), r.err == nil)
		if r.err != nil {
			return nil, r.err
		}
		return r.envelope, nil

	case <-timeout:
		c.removePending(id)
		c.metrics.RecordInvoke(qualifier, time.Since(start), false)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, qualifier, o.timeout)

	case <-ctx.Done():
		c.removePending(id)
		c.metrics.RecordInvoke(qualifier, time.Since(start), false)
		return nil, ctx.Err()
	}
}

// Parallel publishes payload and hands every answer to cb until
// ClearParallel is called with the returned id, or the timeout elapses.
// Callbacks of one call run one at a time and must not block. Unlike
// Invoke, answer contexts are not merged into the call context.
func (c *Client) Parallel(ctx context.Context, qualifier string, payload any, cb ParallelCallback, opts ...CallOption) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("parallel callback cannot be nil")
	}
	o := newCallOptions(opts)

	queue, err := c.replyQueue(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	call := newParallelCall(cb)
	c.addPending(id, call)
	if o.timeout > 0 {
		timer := time.AfterFunc(o.timeout, func() {
			if c.lookupPending(id) != nil {
				call.deliver(fmt.Errorf("%w: %s after %s", ErrTimeout, qualifier, o.timeout), nil, true)
				c.removePending(id)
			}
		})
		call.mu.Lock()
		call.timer = timer
		call.mu.Unlock()
	}

	if err := c.publish(ctx, qualifier, payload, c.rpcOptions(o, queue, id)); err != nil {
		c.ClearParallel(id)
		return "", err
	}
	return id, nil
}

// ClearParallel stops the callbacks of a Parallel call. A callback already
// running completes; none starts once ClearParallel returned.
func (c *Client) ClearParallel(id string) {
	if call := c.removePending(id); call != nil {
		call.clear()
	}
}

func (c *Client) rpcOptions(o *callOptions, queue, id string) *callOptions {
	out := o.clone()
	out.headers[contracts.HeaderReplyTo] = queue
	out.headers[contracts.HeaderCorrelationID] = id
	return out
}

func (c *Client) addPending(id string, call *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = call
}

func (c *Client) lookupPending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// removePending forgets id and returns its entry, nil when it was already
// gone.
func (c *Client) removePending(id string) *pendingCall {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	call.stopTimer()
	return call
}

func (p *pendingCall) stopTimer() {
	p.mu.Lock()
	t := p.timer
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// failPending rejects every outstanding call with err. Parallel calls stay
// registered until their last callback ran, so ClearParallel still applies.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	calls := maps.Clone(c.pending)
	c.mu.Unlock()

	for id, call := range calls {
		call.stopTimer()
		if call.callback != nil {
			call.deliver(err, nil, true)
			c.removePending(id)
			continue
		}
		if c.removePending(id) != nil {
			call.result <- replyResult{err: err}
		}
	}
}

// replyQueue returns the name of the shared reply queue, establishing the
// subscription on first use. Concurrent callers share one setup.
func (c *Client) replyQueue(ctx context.Context) (string, error) {
	c.mu.Lock()
	s := c.reply
	if s != nil {
		c.mu.Unlock()
		select {
		case <-s.done:
			return s.queue, s.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s = &replySubscription{done: make(chan struct{})}
	c.reply = s
	c.mu.Unlock()

	s.queue, s.err = c.subscribeReplies(ctx, s)
	if s.err != nil {
		c.forgetReply(s)
	}
	close(s.done)
	return s.queue, s.err
}

func (c *Client) forgetReply(s *replySubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reply == s {
		c.reply = nil
	}
}

func (c *Client) subscribeReplies(ctx context.Context, s *replySubscription) (string, error) {
	ch, err := c.broker.Channel(ctx, replyPurpose, 1)
	if err != nil {
		return "", err
	}

	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{Exclusive: true, AutoDelete: true})
	if err != nil {
		return "", err
	}
	if err := rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: q.Name, Exchange: "amq.direct", RoutingKey: q.Name}); err != nil {
		return "", err
	}

	info, err := c.consumers.Start(ch, rabbitmq.ConsumeSpec{
		Queue:     q.Name,
		Prefetch:  1,
		Exclusive: true,
		Internal:  true,
	}, c.handleReply)
	if err != nil {
		return "", err
	}

	go func() {
		<-info.Done
		c.forgetReply(s)
	}()

	c.logger.Debug("reply queue ready", "queue", q.Name)
	return q.Name, nil
}

// handleReply resolves the call matching the correlation id of d. Answers
// nobody waits for any more are dropped.
func (c *Client) handleReply(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack reply", "error", err)
	}

	id := headerString(d.Headers, contracts.HeaderCorrelationID)

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok && call.callback == nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping unmatched reply", "correlationId", id)
		return
	}

	r := decodeReply(d)
	if call.callback == nil {
		call.result <- r
		return
	}
	call.deliver(r.err, r.envelope, false)
}

func decodeReply(d amqp.Delivery) replyResult {
	env, err := contracts.ParseEnvelope(d.Body)
	if err != nil {
		return replyResult{err: fmt.Errorf("invalid reply: %w", err)}
	}
	if isTrue(d.Headers[contracts.HeaderError]) {
		return replyResult{envelope: env, err: contracts.DeserializeError(env.Data)}
	}
	return replyResult{envelope: env}
}
