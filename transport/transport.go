// Package transport carries envelopes between devices. Delivery is
// best-effort and unordered across peers; receivers drop envelopes whose id
// they have already seen.
package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// Metadata keys.
const (
	MetaContentType = "content-type"
	MetaEventID     = "event-id"
	MetaChannel     = "channel"
	MetaEpoch       = "epoch"
	MetaSession     = "session"
)

// DefaultDedupSize is the number of envelope ids an endpoint remembers.
const DefaultDedupSize = 10_000

// ErrUnknownPeer is returned when sending to a device with no endpoint.
var ErrUnknownPeer = journal.NewKindError(journal.KindResource, "unknown peer")

// ErrLinkDown is returned when the link to a peer is partitioned. Its
// message marks it as transient for retrying callers.
var ErrLinkDown = fmt.Errorf("%w: peer unavailable", journal.ErrNetwork)

// Envelope is one message between devices.
type Envelope struct {
	ID       ids.Hash
	From     ids.DeviceID
	To       ids.DeviceID
	Metadata map[string]string
	Payload  []byte
}

// ContentType returns the envelope's content type.
func (e Envelope) ContentType() string { return e.Metadata[MetaContentType] }

// envelopeKey fingerprints an envelope by sender, metadata and payload.
func envelopeKey(e Envelope) ids.Hash {
	var meta strings.Builder
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		meta.WriteString(k)
		meta.WriteByte('=')
		meta.WriteString(e.Metadata[k])
		meta.WriteByte(0)
	}
	return ids.Sum([]byte("aura-envelope:"), e.From[:], e.To[:], []byte(meta.String()), e.Payload)
}

// Transport is the sending and receiving side of one device.
type Transport interface {
	DeviceID() ids.DeviceID
	Send(ctx context.Context, to ids.DeviceID, contentType string, metadata map[string]string, payload []byte) error
	Receive(ctx context.Context, contentType string) (Envelope, error)
}

// Hub connects in-process endpoints, one queue per device.
type Hub struct {
	mu        sync.RWMutex
	log       zerolog.Logger
	endpoints map[ids.DeviceID]*Endpoint
	down      map[[2]ids.DeviceID]bool
	dedupSize int
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:       log.With().Str("component", "transport").Logger(),
		endpoints: map[ids.DeviceID]*Endpoint{},
		down:      map[[2]ids.DeviceID]bool{},
		dedupSize: DefaultDedupSize,
	}
}

// Endpoint returns the endpoint of device, creating it on first use.
func (h *Hub) Endpoint(device ids.DeviceID) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.endpoints[device]; ok {
		return e, nil
	}
	seen, err := lru.New[ids.Hash, struct{}](h.dedupSize)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		hub:    h,
		device: device,
		seen:   seen,
		notify: make(chan struct{}),
	}
	h.endpoints[device] = e
	return e, nil
}

// SetLinkDown partitions (down = true) or heals the link between a and b in
// both directions.
func (h *Hub) SetLinkDown(a, b ids.DeviceID, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if down {
		h.down[[2]ids.DeviceID{a, b}] = true
		h.down[[2]ids.DeviceID{b, a}] = true
		return
	}
	delete(h.down, [2]ids.DeviceID{a, b})
	delete(h.down, [2]ids.DeviceID{b, a})
}

func (h *Hub) deliver(env Envelope) error {
	h.mu.RLock()
	dst, ok := h.endpoints[env.To]
	down := h.down[[2]ids.DeviceID{env.From, env.To}]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, ids.Short(env.To))
	}
	if down {
		return ErrLinkDown
	}
	if dst.enqueue(env) {
		h.log.Debug().
			Str("from", ids.Short(env.From)).
			Str("to", ids.Short(env.To)).
			Str("content_type", env.ContentType()).
			Int("bytes", len(env.Payload)).
			Msg("envelope delivered")
	}
	return nil
}

// Endpoint is one device's mailbox on a Hub.
type Endpoint struct {
	hub    *Hub
	device ids.DeviceID

	mu     sync.Mutex
	queue  []Envelope
	seen   *lru.Cache[ids.Hash, struct{}]
	notify chan struct{}
	closed bool
}

// ErrClosed is returned by a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

func (e *Endpoint) DeviceID() ids.DeviceID { return e.device }

// Send delivers payload to the endpoint of to. The envelope id is taken
// from the event-id metadata when present.
func (e *Endpoint) Send(ctx context.Context, to ids.DeviceID, contentType string, metadata map[string]string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetaContentType] = contentType
	env := Envelope{
		From:     e.device,
		To:       to,
		Metadata: meta,
		Payload:  slices.Clone(payload),
	}
	env.ID = envelopeKey(env)
	if id, ok := meta[MetaEventID]; ok {
		env.ID = ids.Sum([]byte("aura-envelope-event:"), e.device[:], []byte(id))
	}
	return e.hub.deliver(env)
}

// enqueue adds env unless its id was already seen. It reports whether env
// was queued.
func (e *Endpoint) enqueue(env Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if seen, _ := e.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		return false
	}
	e.queue = append(e.queue, env)
	close(e.notify)
	e.notify = make(chan struct{})
	return true
}

// Receive removes and returns the oldest queued envelope of contentType,
// blocking until one arrives or ctx is done.
func (e *Endpoint) Receive(ctx context.Context, contentType string) (Envelope, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return Envelope{}, ErrClosed
		}
		for i, env := range e.queue {
			if env.ContentType() == contentType {
				e.queue = slices.Delete(e.queue, i, i+1)
				e.mu.Unlock()
				return env, nil
			}
		}
		wait := e.notify
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-wait:
		}
	}
}

// Pending returns the number of queued envelopes.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close drops queued envelopes and wakes blocked receivers.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.notify)
}
