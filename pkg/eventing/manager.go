package eventing

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Status is the control-point subscription state.
type Status uint8

const (
	// Unsubscribed is the idle state.
	Unsubscribed Status = iota
	// Subscribing means a SUBSCRIBE is in flight.
	Subscribing
	// Subscribed means the publisher accepted and events flow.
	Subscribed
	// Renewing means a renewal SUBSCRIBE is in flight.
	Renewing
	// Unsubscribing means an UNSUBSCRIBE is in flight.
	Unsubscribing
	// Failed means the last transition errored; the subscription is
	// retained with zero state so the application may retry.
	Failed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Unsubscribed:
		return "Unsubscribed"
	case Subscribing:
		return "Subscribing"
	case Subscribed:
		return "Subscribed"
	case Renewing:
		return "Renewing"
	case Unsubscribing:
		return "Unsubscribing"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// renewalMargin computes how long before expiry a renewal is issued:
// max(30 s, timeout/4).
func renewalMargin(timeout time.Duration) time.Duration {
	margin := timeout / 4
	if margin < 30*time.Second {
		margin = 30 * time.Second
	}
	return margin
}

// Subscription is the control-point side of one GENA subscription.
type Subscription struct {
	mu sync.Mutex

	token       string
	sid         string
	service     *model.Service
	eventSubURL string
	status      Status
	expectedSeq uint32
	granted     time.Duration
	nextRenewAt time.Time
	lastErr     error

	renewTimer *time.Timer
}

// SID returns the publisher-assigned subscription identifier.
func (s *Subscription) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Status returns the current state.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Service returns the mirrored service this subscription feeds.
func (s *Subscription) Service() *model.Service { return s.service }

// NextRenewAt returns when the automatic renewal will fire.
func (s *Subscription) NextRenewAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRenewAt
}

// LastError returns the error that moved the subscription to Failed.
func (s *Subscription) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reset moves a Failed subscription back to Unsubscribed so it can be
// retried. No automatic retries are ever issued.
func (s *Subscription) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Failed {
		s.status = Unsubscribed
		s.sid = ""
		s.expectedSeq = 0
		s.lastErr = nil
	}
}

// ManagerConfig configures the control-point subscription manager.
type ManagerConfig struct {
	// RequestedTimeout is the TIMEOUT asked of publishers
	// (default: 1800 s).
	RequestedTimeout time.Duration

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Manager runs every subscription of a control point and receives the
// NOTIFY callbacks on the control point's HTTP server.
type Manager struct {
	config ManagerConfig
	logger log.Logger
	client *transport.Client
	server *transport.Server

	mu      sync.Mutex
	byToken map[string]*Subscription
	bySID   map[string]*Subscription

	onStatusChange func(*Subscription, Status, Status)
}

// callbackPathPrefix is where NOTIFY callbacks are routed.
const callbackPathPrefix = "/event/"

// NewManager creates a manager and registers the NOTIFY route on the
// server.
func NewManager(client *transport.Client, server *transport.Server, config ManagerConfig) *Manager {
	if config.RequestedTimeout <= 0 {
		config.RequestedTimeout = DefaultTimeout
	}
	m := &Manager{
		config:  config,
		logger:  log.OrNoop(config.Logger),
		client:  client,
		server:  server,
		byToken: make(map[string]*Subscription),
		bySID:   make(map[string]*Subscription),
	}
	server.HandlePrefix("NOTIFY", callbackPathPrefix, m.handleNotify)
	return m
}

// OnStatusChange registers a callback invoked on every state transition.
func (m *Manager) OnStatusChange(fn func(sub *Subscription, oldStatus, newStatus Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = fn
}

// Subscribe opens a subscription against a service's event URL. The
// returned subscription is Subscribed on success and Failed on error; in
// both cases it is retained and owned by the manager until Unsubscribe.
func (m *Manager) Subscribe(svc *model.Service, eventSubURL string) (*Subscription, error) {
	sub := &Subscription{
		token:       uuid.NewString(),
		service:     svc,
		eventSubURL: eventSubURL,
		status:      Unsubscribed,
	}

	m.mu.Lock()
	m.byToken[sub.token] = sub
	m.mu.Unlock()

	if err := m.subscribe(sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// subscribe issues the initial SUBSCRIBE for a subscription in
// Unsubscribed state.
func (m *Manager) subscribe(sub *Subscription) error {
	target, callback, err := m.endpoints(sub)
	if err != nil {
		m.fail(sub, err)
		return err
	}

	m.transition(sub, Subscribing)

	req := transport.NewRequest("SUBSCRIBE", target.RequestURI())
	req.Header.Set(transport.HeaderHost, target.Host)
	req.Header.Set(transport.HeaderNT, NTEvent)
	req.Header.Set(transport.HeaderCallback, "<"+callback+">")
	req.Header.Set(transport.HeaderTimeout, FormatTimeoutHeader(m.config.RequestedTimeout))
	// The publisher pushes the initial notification over the subscribe
	// connection when it can. This client does not read pushed requests
	// from pooled connections, so ask for close and take the initial
	// event on the callback server instead.
	req.Header.Set(transport.HeaderConnection, "close")

	resp, err := m.client.Do(req, hostWithPort(target))
	if err != nil {
		m.fail(sub, err)
		return err
	}
	if !resp.IsSuccess() {
		err := fmt.Errorf("%w: subscribe returned %d", upnp.ErrOperationFailed, resp.Status)
		m.fail(sub, err)
		return err
	}

	sid := resp.Header.Get(transport.HeaderSID)
	if sid == "" {
		err := fmt.Errorf("%w: subscribe response without SID", upnp.ErrOperationFailed)
		m.fail(sub, err)
		return err
	}
	granted := ParseTimeoutHeader(resp.Header.Get(transport.HeaderTimeout))
	if granted <= 0 {
		granted = m.config.RequestedTimeout
	}

	sub.mu.Lock()
	sub.sid = sid
	sub.granted = granted
	sub.expectedSeq = 0
	sub.mu.Unlock()

	m.mu.Lock()
	m.bySID[sid] = sub
	m.mu.Unlock()

	m.transition(sub, Subscribed)
	m.scheduleRenewal(sub, granted)
	return nil
}

// renew issues a renewal SUBSCRIBE when the timer fires.
func (m *Manager) renew(sub *Subscription) {
	if sub.Status() != Subscribed {
		return
	}
	target, _, err := m.endpoints(sub)
	if err != nil {
		m.fail(sub, err)
		return
	}

	m.transition(sub, Renewing)

	req := transport.NewRequest("SUBSCRIBE", target.RequestURI())
	req.Header.Set(transport.HeaderHost, target.Host)
	req.Header.Set(transport.HeaderSID, sub.SID())
	req.Header.Set(transport.HeaderTimeout, FormatTimeoutHeader(m.config.RequestedTimeout))

	resp, err := m.client.Do(req, hostWithPort(target))
	if err != nil {
		m.fail(sub, err)
		return
	}
	if !resp.IsSuccess() {
		m.fail(sub, fmt.Errorf("%w: renewal returned %d", upnp.ErrOperationFailed, resp.Status))
		return
	}

	granted := ParseTimeoutHeader(resp.Header.Get(transport.HeaderTimeout))
	if granted <= 0 {
		granted = m.config.RequestedTimeout
	}
	sub.mu.Lock()
	sub.granted = granted
	sub.mu.Unlock()

	m.transition(sub, Subscribed)
	m.scheduleRenewal(sub, granted)
}

// Unsubscribe cancels a subscription. The publisher is informed; a
// timeout there still ends in Unsubscribed locally.
func (m *Manager) Unsubscribe(sub *Subscription) error {
	if sub.Status() != Subscribed {
		m.remove(sub)
		m.transition(sub, Unsubscribed)
		return nil
	}

	m.transition(sub, Unsubscribing)
	sub.mu.Lock()
	if sub.renewTimer != nil {
		sub.renewTimer.Stop()
	}
	sid := sub.sid
	sub.mu.Unlock()

	var wireErr error
	if target, _, err := m.endpoints(sub); err == nil {
		req := transport.NewRequest("UNSUBSCRIBE", target.RequestURI())
		req.Header.Set(transport.HeaderHost, target.Host)
		req.Header.Set(transport.HeaderSID, sid)
		if _, err := m.client.Do(req, hostWithPort(target)); err != nil {
			wireErr = err
		}
	}

	m.remove(sub)
	m.transition(sub, Unsubscribed)
	return wireErr
}

// CancelAll attempts UNSUBSCRIBE on every live subscription, bounded by
// the given timeout.
func (m *Manager) CancelAll(timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.byToken))
	for _, sub := range m.byToken {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.remove(sub)
			m.transition(sub, Unsubscribed)
			continue
		}
		m.client.SetTimeout(remaining)
		m.Unsubscribe(sub)
	}
	m.client.SetTimeout(transport.DefaultReadTimeout)
}

// DropService cancels subscriptions of a removed device without wire
// messages (expiry-driven removal).
func (m *Manager) DropService(svc *model.Service) {
	m.mu.Lock()
	var drop []*Subscription
	for _, sub := range m.byToken {
		if sub.service == svc {
			drop = append(drop, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range drop {
		sub.mu.Lock()
		if sub.renewTimer != nil {
			sub.renewTimer.Stop()
		}
		sub.mu.Unlock()
		m.remove(sub)
		m.transition(sub, Unsubscribed)
	}
}

// handleNotify ingests a NOTIFY callback: the subscription is matched by
// SID, the sequence number must be exactly the expected one, and the
// property set updates the mirrored service.
func (m *Manager) handleNotify(req *transport.Request, _ net.Addr) *transport.Response {
	sid := req.Header.Get(transport.HeaderSID)

	m.mu.Lock()
	sub, ok := m.bySID[sid]
	m.mu.Unlock()
	if !ok {
		return transport.NewResponse(412, "")
	}

	seq, err := strconv.ParseUint(req.Header.Get(transport.HeaderSEQ), 10, 32)
	if err != nil {
		return transport.NewResponse(400, "")
	}

	sub.mu.Lock()
	expected := sub.expectedSeq
	if uint32(seq) != expected {
		sub.mu.Unlock()
		m.logSeqMismatch(sub, uint32(seq), expected)
		// A gap means missed events: the mirror is stale, so the
		// subscription is torn down and re-established from scratch.
		if uint32(seq) > expected {
			go m.resubscribe(sub)
		}
		return transport.NewResponse(412, "")
	}
	if expected == maxSeq {
		sub.expectedSeq = 1
	} else {
		sub.expectedSeq = expected + 1
	}
	sub.mu.Unlock()

	changes, err := DecodePropertySet(req.Body)
	if err != nil {
		return transport.NewResponse(400, "")
	}

	applied, unknown := sub.service.ApplyNotify(changesToMap(changes))
	for _, name := range unknown {
		m.logger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerGENA,
			Category:  log.CategoryNonStandard,
			ServiceID: sub.service.Info().ServiceID.String(),
			Error: &log.ErrorEventData{
				Message: "notify carries undeclared variable " + name,
				Context: "ignored",
			},
		})
	}

	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerGENA,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleControlPoint,
		ServiceID: sub.service.Info().ServiceID.String(),
		Subscription: &log.SubscriptionEvent{
			SID:       sid,
			Seq:       uint32(seq),
			Variables: len(applied),
		},
	})

	return transport.NewResponse(200, "")
}

// logSeqMismatch records a GENA sequence-number mismatch for a NOTIFY.
func (m *Manager) logSeqMismatch(sub *Subscription, got, expected uint32) {
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerGENA,
		Category:  log.CategoryError,
		LocalRole: log.RoleControlPoint,
		ServiceID: sub.service.Info().ServiceID.String(),
		Error: &log.ErrorEventData{
			Message: fmt.Sprintf("unexpected SEQ %d, expected %d", got, expected),
			Context: "notify",
		},
	})
}

// resubscribe tears a desynchronized subscription down and starts over.
func (m *Manager) resubscribe(sub *Subscription) {
	m.Unsubscribe(sub)

	fresh := &Subscription{
		token:       sub.token,
		service:     sub.service,
		eventSubURL: sub.eventSubURL,
		status:      Unsubscribed,
	}
	m.mu.Lock()
	m.byToken[fresh.token] = fresh
	m.mu.Unlock()
	_ = m.subscribe(fresh)
}

func (m *Manager) scheduleRenewal(sub *Subscription, granted time.Duration) {
	delay := granted - renewalMargin(granted)
	if delay < time.Second {
		delay = time.Second
	}

	sub.mu.Lock()
	if sub.renewTimer != nil {
		sub.renewTimer.Stop()
	}
	sub.nextRenewAt = time.Now().Add(delay)
	sub.renewTimer = time.AfterFunc(delay, func() { m.renew(sub) })
	sub.mu.Unlock()
}

// endpoints resolves the publisher URL and the callback URL routable from
// this host toward the publisher.
func (m *Manager) endpoints(sub *Subscription) (*url.URL, string, error) {
	target, err := url.Parse(sub.eventSubURL)
	if err != nil || !target.IsAbs() {
		return nil, "", fmt.Errorf("%w: event URL %q", upnp.ErrInvalidConfiguration, sub.eventSubURL)
	}

	localIP := ""
	if addr, ok := m.server.Addr().(*net.TCPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		// The callback server is bound to a specific address; that is
		// the only one peers can reach.
		localIP = addr.IP.String()
	} else {
		var err error
		localIP, err = routableLocalIP(hostWithPort(target))
		if err != nil {
			return nil, "", err
		}
	}
	callback := fmt.Sprintf("http://%s%s%s",
		net.JoinHostPort(localIP, strconv.Itoa(int(m.server.Port()))),
		callbackPathPrefix, sub.token)
	return target, callback, nil
}

// routableLocalIP picks the local address the kernel would use to reach
// the peer, ensuring the advertised callback is reachable from the
// publisher's subnet.
func routableLocalIP(peer string) (string, error) {
	conn, err := net.Dial("udp", peer)
	if err != nil {
		return "", fmt.Errorf("%w: no route to %s: %v", upnp.ErrCommunications, peer, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("%w: no route to %s", upnp.ErrCommunications, peer)
	}
	return addr.IP.String(), nil
}

func (m *Manager) fail(sub *Subscription, err error) {
	sub.mu.Lock()
	sub.lastErr = err
	sub.sid = ""
	sub.expectedSeq = 0
	if sub.renewTimer != nil {
		sub.renewTimer.Stop()
	}
	sub.mu.Unlock()
	m.transition(sub, Failed)
}

func (m *Manager) remove(sub *Subscription) {
	sub.mu.Lock()
	sid := sub.sid
	sub.sid = ""
	sub.expectedSeq = 0
	sub.mu.Unlock()

	m.mu.Lock()
	delete(m.byToken, sub.token)
	if sid != "" {
		delete(m.bySID, sid)
	}
	m.mu.Unlock()
}

func (m *Manager) transition(sub *Subscription, newStatus Status) {
	sub.mu.Lock()
	oldStatus := sub.status
	sub.status = newStatus
	sub.mu.Unlock()

	if oldStatus == newStatus {
		return
	}

	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerGENA,
		Category:  log.CategoryState,
		LocalRole: log.RoleControlPoint,
		ServiceID: sub.service.Info().ServiceID.String(),
		Subscription: &log.SubscriptionEvent{
			SID:      sub.SID(),
			OldState: oldStatus.String(),
			NewState: newStatus.String(),
		},
	})

	m.mu.Lock()
	fn := m.onStatusChange
	m.mu.Unlock()
	if fn != nil {
		fn(sub, oldStatus, newStatus)
	}
}

func changesToMap(changes []model.StateChange) map[string]string {
	out := make(map[string]string, len(changes))
	for _, change := range changes {
		out[change.Variable] = change.Value
	}
	return out
}
