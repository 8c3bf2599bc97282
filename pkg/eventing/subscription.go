package eventing

import (
	"sync"
	"time"

	"github.com/gladhorn/hupnp/pkg/model"
)

// Subscription timing constants.
const (
	// DefaultTimeout is granted when a subscriber states no preference.
	DefaultTimeout = 1800 * time.Second

	// MaxTimeout bounds what a subscriber may request.
	MaxTimeout = 24 * time.Hour

	// NonEventedTimeout is granted on subscriptions to services with no
	// evented variables. The UPnP specification is silent here; the
	// subscription is accepted for compatibility and simply never fires.
	NonEventedTimeout = 24 * time.Hour

	// InfiniteTimeout stands in for "TIMEOUT: infinite" requests before
	// clamping.
	InfiniteTimeout = 100 * 365 * 24 * time.Hour

	// maxDeliveryFailures expires a subscriber after this many
	// consecutive failed NOTIFY deliveries.
	maxDeliveryFailures = 3

	// maxSeq is the wrap boundary: SEQ continues at 1, never 0 again.
	maxSeq = 1<<32 - 1
)

// hostSubscription is one remote subscriber of a hosted service.
type hostSubscription struct {
	mu sync.Mutex

	sid       string
	service   *model.Service
	callbacks []string
	expiry    time.Time

	// seq is the next sequence number to deliver. The initial snapshot
	// delivers 0; afterwards the counter increments monotonically and
	// wraps from 2^32-1 to 1.
	seq         uint32
	initialSent bool

	// pending accumulates changed evented variables since the last
	// delivery to this subscriber, latest value per variable.
	pending map[string]string
	order   []string

	failures int
	expired  bool
}

func newHostSubscription(sid string, svc *model.Service, callbacks []string, timeout time.Duration) *hostSubscription {
	return &hostSubscription{
		sid:       sid,
		service:   svc,
		callbacks: callbacks,
		expiry:    time.Now().Add(timeout),
		pending:   make(map[string]string),
	}
}

// renew extends the subscription.
func (s *hostSubscription) renew(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = time.Now().Add(timeout)
}

// isExpired reports whether the subscription has lapsed.
func (s *hostSubscription) isExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired || now.After(s.expiry)
}

// markExpired tombstones the subscription.
func (s *hostSubscription) markExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = true
}

// record merges a change batch into the pending set.
func (s *hostSubscription) record(changes []model.StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return
	}
	for _, change := range changes {
		if _, seen := s.pending[change.Variable]; !seen {
			s.order = append(s.order, change.Variable)
		}
		s.pending[change.Variable] = change.Value
	}
}

// takePending snapshots and clears the pending set, assigning the
// delivery sequence number. ok is false when there is nothing to send or
// the initial snapshot has not gone out yet.
func (s *hostSubscription) takePending() (seq uint32, changes []model.StateChange, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired || !s.initialSent || len(s.order) == 0 {
		return 0, nil, false
	}

	for _, name := range s.order {
		changes = append(changes, model.StateChange{Variable: name, Value: s.pending[name]})
	}
	s.pending = make(map[string]string)
	s.order = nil

	seq = s.nextSeqLocked()
	return seq, changes, true
}

// restorePending puts an undelivered batch back at the front after a
// delivery failure, keeping newer values that arrived meanwhile. The
// failed sequence number is reused on the next attempt so the receiver
// never observes a gap.
func (s *hostSubscription) restorePending(seq uint32, changes []model.StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq

	var order []string
	pending := make(map[string]string)
	for _, change := range changes {
		order = append(order, change.Variable)
		pending[change.Variable] = change.Value
	}
	for _, name := range s.order {
		if _, seen := pending[name]; !seen {
			order = append(order, name)
		}
		pending[name] = s.pending[name]
	}
	s.order = order
	s.pending = pending
}

// takeInitial assigns SEQ 0 and captures the full evented snapshot.
func (s *hostSubscription) takeInitial() (changes []model.StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialSent {
		return nil
	}
	s.initialSent = true
	s.seq = 1
	return s.service.EventedValues()
}

// nextSeqLocked returns the sequence number for the next delivery and
// advances the counter with the 2^32-1 -> 1 wrap.
func (s *hostSubscription) nextSeqLocked() uint32 {
	seq := s.seq
	if s.seq == maxSeq {
		s.seq = 1
	} else {
		s.seq++
	}
	return seq
}

// deliveryFailed counts a failed NOTIFY; the subscription expires after
// maxDeliveryFailures consecutive failures.
func (s *hostSubscription) deliveryFailed() (expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= maxDeliveryFailures {
		s.expired = true
	}
	return s.expired
}

// deliverySucceeded resets the consecutive-failure counter.
func (s *hostSubscription) deliverySucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}
