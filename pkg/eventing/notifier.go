package eventing

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

const (
	// sweepInterval is how often lapsed subscriptions are collected.
	sweepInterval = 5 * time.Second
)

// NotifierConfig configures the host-side event publisher.
type NotifierConfig struct {
	// MaxTimeout bounds granted subscription timeouts (default: 24h).
	MaxTimeout time.Duration

	// Server is the SERVER header token sequence for responses.
	Server upnp.ProductTokens

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Notifier is the host side of GENA: it owns every subscription against
// the host's services and fans out state-variable changes.
type Notifier struct {
	config NotifierConfig
	logger log.Logger
	client *transport.Client

	mu        sync.Mutex
	subs      map[string]*hostSubscription          // sid -> subscription
	byService map[*model.Service][]*hostSubscription

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewNotifier creates a notifier. The client delivers NOTIFY requests on
// fresh connections when the subscribed socket cannot be reused.
func NewNotifier(client *transport.Client, config NotifierConfig) *Notifier {
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = MaxTimeout
	}
	return &Notifier{
		config:    config,
		logger:    log.OrNoop(config.Logger),
		client:    client,
		subs:      make(map[string]*hostSubscription),
		byService: make(map[*model.Service][]*hostSubscription),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the delivery and expiry loops.
func (n *Notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return upnp.ErrAlreadyInitialized
	}
	n.started = true
	n.stopCh = make(chan struct{})

	n.wg.Add(2)
	go n.deliveryLoop()
	go n.sweepLoop()
	return nil
}

// Stop halts delivery. Remaining subscriptions are dropped without wire
// messages; GENA has no host-side unsubscribe notification.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	close(n.stopCh)
	n.subs = make(map[string]*hostSubscription)
	n.byService = make(map[*model.Service][]*hostSubscription)
	n.mu.Unlock()
	n.wg.Wait()
}

// Attach registers a hosted service: its state changes will be fanned out
// to the service's subscribers.
func (n *Notifier) Attach(svc *model.Service) {
	svc.OnStateChange(func(source *model.Service, changes []model.StateChange) {
		n.enqueue(source, changes)
	})
}

// SubscriptionCount returns the number of live subscriptions.
func (n *Notifier) SubscriptionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// HandleSubscribe processes a SUBSCRIBE request for a service and returns
// the response to send. New subscriptions get their initial notification
// pushed over the subscribed connection right after the response.
func (n *Notifier) HandleSubscribe(req *transport.Request, svc *model.Service) *transport.Response {
	hasNT := req.Header.Has(transport.HeaderNT)
	hasCallback := req.Header.Has(transport.HeaderCallback)
	hasSID := req.Header.Has(transport.HeaderSID)

	switch {
	case hasNT && hasCallback && !hasSID:
		return n.subscribe(req, svc)
	case hasSID && !hasNT && !hasCallback:
		return n.renew(req)
	default:
		return n.badRequest("Incompatible header fields")
	}
}

func (n *Notifier) subscribe(req *transport.Request, svc *model.Service) *transport.Response {
	if req.Header.Get(transport.HeaderNT) != NTEvent {
		return n.badRequest("Incompatible header fields")
	}
	callbacks := ParseCallbackHeader(req.Header.Values(transport.HeaderCallback))
	if len(callbacks) == 0 {
		return n.badRequest("Incompatible header fields")
	}
	for _, callback := range callbacks {
		if u, err := url.Parse(callback); err != nil || u.Scheme != "http" || u.Host == "" {
			return n.badRequest("Incompatible header fields")
		}
	}

	timeout := ParseTimeoutHeader(req.Header.Get(transport.HeaderTimeout))
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > n.config.MaxTimeout {
		timeout = n.config.MaxTimeout
	}
	// A service with no evented variables still yields a subscription
	// that will never fire.
	evented := svc.IsEvented()
	if !evented {
		timeout = NonEventedTimeout
	}

	sid := "uuid:" + uuid.NewString()
	sub := newHostSubscription(sid, svc, callbacks, timeout)

	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return transport.NewResponse(503, "")
	}
	n.subs[sid] = sub
	n.byService[svc] = append(n.byService[svc], sub)
	n.mu.Unlock()

	n.logSubscription(sub, "", "Subscribed")

	resp := n.subscribeResponse(sid, timeout)
	if evented {
		resp.AfterSend = func(conn *transport.Conn) {
			n.sendInitialNotify(sub, conn)
		}
	} else {
		// No initial event either; mark it sent so renewals behave.
		sub.takeInitial()
	}
	return resp
}

func (n *Notifier) renew(req *transport.Request) *transport.Response {
	sid := req.Header.Get(transport.HeaderSID)

	n.mu.Lock()
	sub, ok := n.subs[sid]
	n.mu.Unlock()
	if !ok || sub.isExpired(time.Now()) {
		return n.preconditionFailed()
	}

	timeout := ParseTimeoutHeader(req.Header.Get(transport.HeaderTimeout))
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > n.config.MaxTimeout {
		timeout = n.config.MaxTimeout
	}
	sub.renew(timeout)

	return n.subscribeResponse(sid, timeout)
}

// HandleUnsubscribe processes an UNSUBSCRIBE request.
func (n *Notifier) HandleUnsubscribe(req *transport.Request) *transport.Response {
	if req.Header.Has(transport.HeaderCallback) || req.Header.Has(transport.HeaderNT) {
		return n.badRequest("Incompatible header fields")
	}
	sid := req.Header.Get(transport.HeaderSID)
	if sid == "" {
		return n.preconditionFailed()
	}

	n.mu.Lock()
	sub, ok := n.subs[sid]
	if ok {
		n.removeLocked(sub)
	}
	n.mu.Unlock()
	if !ok {
		return n.preconditionFailed()
	}

	n.logSubscription(sub, "Subscribed", "Unsubscribed")
	return transport.NewResponse(200, "")
}

// CancelService drops every subscription of a service, without wire
// messages. Used when a device is withdrawn.
func (n *Notifier) CancelService(svc *model.Service) {
	n.mu.Lock()
	for _, sub := range n.byService[svc] {
		sub.markExpired()
		delete(n.subs, sub.sid)
	}
	delete(n.byService, svc)
	n.mu.Unlock()
}

func (n *Notifier) subscribeResponse(sid string, timeout time.Duration) *transport.Response {
	resp := transport.NewResponse(200, "")
	resp.Header.Set(transport.HeaderServer, n.config.Server.String())
	resp.Header.Set(transport.HeaderSID, sid)
	resp.Header.Set(transport.HeaderTimeout, FormatTimeoutHeader(timeout))
	return resp
}

func (n *Notifier) badRequest(reason string) *transport.Response {
	return transport.NewResponse(400, reason)
}

func (n *Notifier) preconditionFailed() *transport.Response {
	return transport.NewResponse(412, "")
}

// sendInitialNotify pushes the SEQ 0 snapshot. It first tries the
// subscribed connection with the reduced 3-second budget; a failure there
// is a tolerated peer deviation and delivery falls back to a fresh
// connection against the first callback.
func (n *Notifier) sendInitialNotify(sub *hostSubscription, conn *transport.Conn) {
	changes := sub.takeInitial()
	if changes == nil {
		return
	}
	body := EncodePropertySet(changes)

	if err := n.notifyOverConn(sub, conn, 0, body, transport.InitialNotifyTimeout); err == nil {
		sub.deliverySucceeded()
		n.logDelivery(sub, 0, len(changes))
		return
	}

	n.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerGENA,
		Category:  log.CategoryNonStandard,
		ServiceID: sub.service.Info().ServiceID.String(),
		Error: &log.ErrorEventData{
			Message: "initial notify over subscribe connection failed",
			Context: "falling back to a fresh connection",
		},
	})

	if err := n.notifyFresh(sub, 0, body); err != nil {
		sub.deliveryFailed()
		return
	}
	sub.deliverySucceeded()
	n.logDelivery(sub, 0, len(changes))

	// Changes committed while the snapshot was in flight are pending now.
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// enqueue records a change batch for every subscriber of the service and
// wakes the delivery loop.
func (n *Notifier) enqueue(svc *model.Service, changes []model.StateChange) {
	var evented []model.StateChange
	for _, change := range changes {
		if v, ok := svc.StateVariable(change.Variable); ok && v.Eventing.IsEvented() {
			evented = append(evented, change)
		}
	}
	if len(evented) == 0 {
		return
	}

	n.mu.Lock()
	subs := append([]*hostSubscription(nil), n.byService[svc]...)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.record(evented)
	}

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// deliveryLoop drains pending batches. The pattern is lock, snapshot,
// unlock, I/O: no lock is held across a socket write.
func (n *Notifier) deliveryLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.wake:
		case <-n.stopCh:
			return
		}

		n.mu.Lock()
		subs := make([]*hostSubscription, 0, len(n.subs))
		for _, sub := range n.subs {
			subs = append(subs, sub)
		}
		n.mu.Unlock()

		for _, sub := range subs {
			seq, changes, ok := sub.takePending()
			if !ok {
				continue
			}

			body := EncodePropertySet(changes)
			if err := n.notifyFresh(sub, seq, body); err != nil {
				if expired := sub.deliveryFailed(); expired {
					n.remove(sub)
				} else {
					sub.restorePending(seq, changes)
				}
				continue
			}
			sub.deliverySucceeded()
			n.logDelivery(sub, seq, len(changes))
		}
	}
}

// notifyFresh delivers one NOTIFY over a client connection, trying each
// registered callback in order until one accepts.
func (n *Notifier) notifyFresh(sub *hostSubscription, seq uint32, body []byte) error {
	var lastErr error
	for _, callback := range sub.callbacks {
		u, err := url.Parse(callback)
		if err != nil {
			continue
		}
		req := n.notifyRequest(sub, u.RequestURI(), u.Host, seq, body)
		resp, err := n.client.Do(req, hostWithPort(u))
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.IsSuccess() {
			lastErr = fmt.Errorf("%w: notify returned %d", upnp.ErrOperationFailed, resp.Status)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no usable callback", upnp.ErrOperationFailed)
	}
	return lastErr
}

// notifyOverConn delivers one NOTIFY over an existing connection (the
// subscribed socket) with a bounded read budget.
func (n *Notifier) notifyOverConn(sub *hostSubscription, conn *transport.Conn, seq uint32, body []byte, budget time.Duration) error {
	u, err := url.Parse(sub.callbacks[0])
	if err != nil {
		return fmt.Errorf("%w: callback %q", upnp.ErrCommunications, sub.callbacks[0])
	}

	req := n.notifyRequest(sub, u.RequestURI(), u.Host, seq, body)
	if err := conn.WriteRequest(req, transport.WriteOptions{KeepAlive: true}); err != nil {
		return err
	}

	conn.SetReadTimeout(budget)
	resp, err := conn.ReadResponse()
	if err != nil {
		conn.MarkFailed()
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: notify returned %d", upnp.ErrOperationFailed, resp.Status)
	}
	return nil
}

func (n *Notifier) notifyRequest(sub *hostSubscription, target, host string, seq uint32, body []byte) *transport.Request {
	req := transport.NewRequest("NOTIFY", target)
	req.Header.Set(transport.HeaderHost, host)
	req.Header.Set(transport.HeaderContentType, `text/xml; charset="utf-8"`)
	req.Header.Set(transport.HeaderNT, NTEvent)
	req.Header.Set(transport.HeaderNTS, NTSPropChange)
	req.Header.Set(transport.HeaderSID, sub.sid)
	req.Header.Set(transport.HeaderSEQ, fmt.Sprintf("%d", seq))
	req.Body = body
	return req
}

// sweepLoop expires lapsed subscriptions.
func (n *Notifier) sweepLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			n.mu.Lock()
			var lapsed []*hostSubscription
			for _, sub := range n.subs {
				if sub.isExpired(now) {
					lapsed = append(lapsed, sub)
				}
			}
			for _, sub := range lapsed {
				n.removeLocked(sub)
			}
			n.mu.Unlock()

			for _, sub := range lapsed {
				n.logSubscription(sub, "Subscribed", "Expired")
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) remove(sub *hostSubscription) {
	n.mu.Lock()
	n.removeLocked(sub)
	n.mu.Unlock()
}

// removeLocked unregisters a subscription; the caller holds n.mu.
func (n *Notifier) removeLocked(sub *hostSubscription) {
	sub.markExpired()
	delete(n.subs, sub.sid)
	remaining := n.byService[sub.service][:0]
	for _, other := range n.byService[sub.service] {
		if other != sub {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(n.byService, sub.service)
	} else {
		n.byService[sub.service] = remaining
	}
}

func (n *Notifier) logSubscription(sub *hostSubscription, oldState, newState string) {
	n.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerGENA,
		Category:  log.CategoryState,
		LocalRole: log.RoleHost,
		ServiceID: sub.service.Info().ServiceID.String(),
		Subscription: &log.SubscriptionEvent{
			SID:      sub.sid,
			OldState: oldState,
			NewState: newState,
		},
	})
}

func (n *Notifier) logDelivery(sub *hostSubscription, seq uint32, variables int) {
	n.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionOut,
		Layer:     log.LayerGENA,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleHost,
		ServiceID: sub.service.Info().ServiceID.String(),
		Subscription: &log.SubscriptionEvent{
			SID:       sub.sid,
			Seq:       seq,
			Variables: variables,
		},
	})
}

func hostWithPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":80"
}
