package app

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventKind int

const (
	ProducerAdded EventKind = iota
	ProducerRemoved
	TransportRemoved
)

func (k EventKind) String() string {
	switch k {
	case ProducerAdded:
		return "producer_added"
	case ProducerRemoved:
		return "producer_removed"
	case TransportRemoved:
		return "transport_removed"
	}
	return "unknown"
}

// Event is a committed directory change. Events reach the sink in commit order.
type Event struct {
	Kind      EventKind
	Producer  domain.Producer
	Transport domain.Transport
}

// EventSink receives events while the directory lock is held. It must not block
// and must not call back into the directory.
type EventSink func(Event)

// Removed lists everything a removal released so the caller can close the
// engine side.
type Removed struct {
	Transports    []domain.Transport
	Producers     []domain.Producer
	Consumers     []domain.Consumer
	DataProducers []domain.DataProducer
	DataConsumers []domain.DataConsumer
}

func (r Removed) Empty() bool {
	return len(r.Transports) == 0 && len(r.Producers) == 0 && len(r.Consumers) == 0 &&
		len(r.DataProducers) == 0 && len(r.DataConsumers) == 0
}

type Stats struct {
	Connections   int
	Transports    int
	Producers     int
	Consumers     int
	DataProducers int
	DataConsumers int
}

type connEntry struct {
	transports map[domain.Role]domain.TransportID
}

type producerEntry struct {
	p   domain.Producer
	seq uint64
}

// Directory is the single source of truth for live connections and their
// engine resources. One lock covers every map so a cascade is atomic.
type Directory struct {
	mu            sync.RWMutex
	conns         map[domain.ConnectionID]*connEntry
	transports    map[domain.TransportID]*domain.Transport
	producers     map[domain.ProducerID]*producerEntry
	chat          map[domain.ChatKey]domain.DataProducerID
	dataProducers map[domain.DataProducerID]*domain.DataProducer
	consumers     map[domain.ConsumerID]*domain.Consumer
	dataConsumers map[domain.DataConsumerID]*domain.DataConsumer

	seq  uint64
	sink EventSink
}

func NewDirectory(sink EventSink) *Directory {
	return &Directory{
		conns:         make(map[domain.ConnectionID]*connEntry),
		transports:    make(map[domain.TransportID]*domain.Transport),
		producers:     make(map[domain.ProducerID]*producerEntry),
		chat:          make(map[domain.ChatKey]domain.DataProducerID),
		dataProducers: make(map[domain.DataProducerID]*domain.DataProducer),
		consumers:     make(map[domain.ConsumerID]*domain.Consumer),
		dataConsumers: make(map[domain.DataConsumerID]*domain.DataConsumer),
		sink:          sink,
	}
}

func (d *Directory) emit(ev Event) {
	if d.sink != nil {
		d.sink(ev)
	}
}

func (d *Directory) AddConnection(id domain.ConnectionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[id]; ok {
		return fmt.Errorf("%w: connection %s already registered", domain.ErrInvalidState, id)
	}
	d.conns[id] = &connEntry{transports: make(map[domain.Role]domain.TransportID)}
	log.Info().Str("module", "app.directory").Str("sid", string(id)).Msg("connection added")
	return nil
}

func (d *Directory) HasConnection(id domain.ConnectionID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[id]
	return ok
}

// AddTransport registers t under its owner and role. A connection holds at most
// one transport per role.
func (d *Directory) AddTransport(t domain.Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[t.Owner]
	if !ok {
		return fmt.Errorf("%w: connection %s is gone", domain.ErrStaleResource, t.Owner)
	}
	if existing, ok := c.transports[t.Role]; ok {
		return fmt.Errorf("%w: %s transport %s already exists", domain.ErrInvalidState, t.Role, existing)
	}
	if t.State == "" {
		t.State = domain.TransportNew
	}
	c.transports[t.Role] = t.ID
	d.transports[t.ID] = &t
	log.Info().Str("module", "app.directory").Str("sid", string(t.Owner)).
		Str("transport", string(t.ID)).Str("role", string(t.Role)).Msg("transport added")
	return nil
}

func (d *Directory) Transport(id domain.TransportID) (domain.Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[id]
	if !ok {
		return domain.Transport{}, false
	}
	return *t, true
}

// TransportFor returns the transport the connection holds for role.
func (d *Directory) TransportFor(sid domain.ConnectionID, role domain.Role) (domain.Transport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[sid]
	if !ok {
		return domain.Transport{}, false
	}
	id, ok := c.transports[role]
	if !ok {
		return domain.Transport{}, false
	}
	return *d.transports[id], true
}

// OwnedTransport returns transport id only when sid owns it.
func (d *Directory) OwnedTransport(sid domain.ConnectionID, id domain.TransportID) (domain.Transport, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.conns[sid]; !ok {
		return domain.Transport{}, fmt.Errorf("%w: connection %s is gone", domain.ErrStaleResource, sid)
	}
	t, ok := d.transports[id]
	if !ok || t.Owner != sid {
		return domain.Transport{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	return *t, nil
}

// SetTransportState records a state change. Terminal states are sticky.
func (d *Directory) SetTransportState(id domain.TransportID, state domain.TransportState, ice, dtls, sctp string) (domain.Transport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transports[id]
	if !ok {
		return domain.Transport{}, false
	}
	if !t.State.Terminal() && state != "" {
		t.State = state
	}
	if ice != "" {
		t.ICEState = ice
	}
	if dtls != "" {
		t.DTLSState = dtls
	}
	if sctp != "" {
		t.SCTPState = sctp
	}
	return *t, true
}

// RemoveTransport drops the transport and everything carried on it.
func (d *Directory) RemoveTransport(id domain.TransportID) (Removed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rm Removed
	if _, ok := d.transports[id]; !ok {
		return rm, false
	}
	d.removeTransportLocked(id, &rm)
	return rm, true
}

func (d *Directory) AddProducer(p domain.Producer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[p.Owner]; !ok {
		return fmt.Errorf("%w: connection %s is gone", domain.ErrStaleResource, p.Owner)
	}
	t, ok := d.transports[p.TransportID]
	if !ok || t.Owner != p.Owner {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, p.TransportID)
	}
	if _, ok := d.producers[p.ID]; ok {
		return fmt.Errorf("%w: producer %s already registered", domain.ErrInvalidState, p.ID)
	}
	d.seq++
	d.producers[p.ID] = &producerEntry{p: p, seq: d.seq}
	d.emit(Event{Kind: ProducerAdded, Producer: p})
	log.Info().Str("module", "app.directory").Str("sid", string(p.Owner)).
		Str("producer", string(p.ID)).Str("kind", string(p.Kind)).Msg("producer added")
	return nil
}

func (d *Directory) Producer(id domain.ProducerID) (domain.Producer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.producers[id]
	if !ok {
		return domain.Producer{}, false
	}
	return e.p, true
}

// Producers returns every live producer in registration order.
func (d *Directory) Producers() []domain.Producer {
	d.mu.RLock()
	entries := make([]*producerEntry, 0, len(d.producers))
	for _, e := range d.producers {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *producerEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]domain.Producer, len(entries))
	for i, e := range entries {
		out[i] = e.p
	}
	return out
}

// RemoveProducer drops the producer, its consumers and its chat data producer.
func (d *Directory) RemoveProducer(id domain.ProducerID) (Removed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rm Removed
	if _, ok := d.producers[id]; !ok {
		return rm, false
	}
	d.removeProducerLocked(id, &rm)
	return rm, true
}

func (d *Directory) AddConsumer(c domain.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[c.Owner]; !ok {
		return fmt.Errorf("%w: connection %s is gone", domain.ErrStaleResource, c.Owner)
	}
	if t, ok := d.transports[c.TransportID]; !ok || t.Owner != c.Owner {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, c.TransportID)
	}
	if _, ok := d.producers[c.ProducerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, c.ProducerID)
	}
	d.consumers[c.ID] = &c
	log.Debug().Str("module", "app.directory").Str("sid", string(c.Owner)).
		Str("consumer", string(c.ID)).Str("producer", string(c.ProducerID)).Msg("consumer added")
	return nil
}

func (d *Directory) Consumer(id domain.ConsumerID) (domain.Consumer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.consumers[id]
	if !ok {
		return domain.Consumer{}, false
	}
	return *c, true
}

func (d *Directory) RemoveConsumer(id domain.ConsumerID) (domain.Consumer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.consumers[id]
	if !ok {
		return domain.Consumer{}, false
	}
	delete(d.consumers, id)
	return *c, true
}

// AddDataProducer registers dp. When dp carries a chat key it becomes the chat
// producer of that stream and any previous mapping is returned as replaced.
func (d *Directory) AddDataProducer(dp domain.DataProducer) (replaced *domain.DataProducer, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[dp.Owner]; !ok {
		return nil, fmt.Errorf("%w: connection %s is gone", domain.ErrStaleResource, dp.Owner)
	}
	t, ok := d.transports[dp.TransportID]
	if !ok || t.Owner != dp.Owner {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, dp.TransportID)
	}
	if dp.ChatKey != "" {
		if old, ok := d.chat[dp.ChatKey]; ok && old != dp.ID {
			if prev, ok := d.dataProducers[old]; ok {
				cp := *prev
				replaced = &cp
			}
		}
		d.chat[dp.ChatKey] = dp.ID
	}
	d.dataProducers[dp.ID] = &dp
	log.Info().Str("module", "app.directory").Str("sid", string(dp.Owner)).
		Str("data_producer", string(dp.ID)).Str("chat_key", string(dp.ChatKey)).Msg("data producer added")
	return replaced, nil
}

func (d *Directory) DataProducer(id domain.DataProducerID) (domain.DataProducer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dp, ok := d.dataProducers[id]
	if !ok {
		return domain.DataProducer{}, false
	}
	return *dp, true
}

// ChatProducer resolves a chat key to its current data producer.
func (d *Directory) ChatProducer(key domain.ChatKey) (domain.DataProducer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.chat[key]
	if !ok {
		return domain.DataProducer{}, false
	}
	dp, ok := d.dataProducers[id]
	if !ok {
		return domain.DataProducer{}, false
	}
	return *dp, true
}

func (d *Directory) RemoveDataProducer(id domain.DataProducerID) (Removed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rm Removed
	if _, ok := d.dataProducers[id]; !ok {
		return rm, false
	}
	d.removeDataProducerLocked(id, &rm)
	return rm, true
}

func (d *Directory) AddDataConsumer(dc domain.DataConsumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[dc.Owner]; !ok {
		return fmt.Errorf("%w: connection %s is gone", domain.ErrStaleResource, dc.Owner)
	}
	if t, ok := d.transports[dc.TransportID]; !ok || t.Owner != dc.Owner {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, dc.TransportID)
	}
	if _, ok := d.dataProducers[dc.DataProducerID]; !ok {
		return fmt.Errorf("%w: data producer %s", domain.ErrProducerNotFound, dc.DataProducerID)
	}
	d.dataConsumers[dc.ID] = &dc
	return nil
}

func (d *Directory) RemoveDataConsumer(id domain.DataConsumerID) (domain.DataConsumer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dc, ok := d.dataConsumers[id]
	if !ok {
		return domain.DataConsumer{}, false
	}
	delete(d.dataConsumers, id)
	return *dc, true
}

// RemoveConnection drops the connection and everything it owns in one critical
// section. Consumers other connections hold on its producers go too.
func (d *Directory) RemoveConnection(id domain.ConnectionID) (Removed, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rm Removed
	c, ok := d.conns[id]
	if !ok {
		return rm, false
	}
	delete(d.conns, id)

	for _, role := range []domain.Role{domain.RolePublish, domain.RoleSubscribe} {
		if tid, ok := c.transports[role]; ok {
			d.removeTransportLocked(tid, &rm)
		}
	}
	// Anything still owned was registered without a transport entry.
	for pid, e := range d.producers {
		if e.p.Owner == id {
			d.removeProducerLocked(pid, &rm)
		}
	}
	for cid, cons := range d.consumers {
		if cons.Owner == id {
			rm.Consumers = append(rm.Consumers, *cons)
			delete(d.consumers, cid)
		}
	}
	for dpid, dp := range d.dataProducers {
		if dp.Owner == id {
			d.removeDataProducerLocked(dpid, &rm)
		}
	}
	for dcid, dc := range d.dataConsumers {
		if dc.Owner == id {
			rm.DataConsumers = append(rm.DataConsumers, *dc)
			delete(d.dataConsumers, dcid)
		}
	}

	log.Info().Str("module", "app.directory").Str("sid", string(id)).
		Int("transports", len(rm.Transports)).Int("producers", len(rm.Producers)).
		Int("consumers", len(rm.Consumers)).Msg("connection removed")
	return rm, true
}

func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		Connections:   len(d.conns),
		Transports:    len(d.transports),
		Producers:     len(d.producers),
		Consumers:     len(d.consumers),
		DataProducers: len(d.dataProducers),
		DataConsumers: len(d.dataConsumers),
	}
}

func (d *Directory) removeTransportLocked(id domain.TransportID, rm *Removed) {
	t, ok := d.transports[id]
	if !ok {
		return
	}
	delete(d.transports, id)
	if c, ok := d.conns[t.Owner]; ok && c.transports[t.Role] == id {
		delete(c.transports, t.Role)
	}
	rm.Transports = append(rm.Transports, *t)

	for pid, e := range d.producers {
		if e.p.TransportID == id {
			d.removeProducerLocked(pid, rm)
		}
	}
	for cid, c := range d.consumers {
		if c.TransportID == id {
			rm.Consumers = append(rm.Consumers, *c)
			delete(d.consumers, cid)
		}
	}
	for dpid, dp := range d.dataProducers {
		if dp.TransportID == id {
			d.removeDataProducerLocked(dpid, rm)
		}
	}
	for dcid, dc := range d.dataConsumers {
		if dc.TransportID == id {
			rm.DataConsumers = append(rm.DataConsumers, *dc)
			delete(d.dataConsumers, dcid)
		}
	}
	d.emit(Event{Kind: TransportRemoved, Transport: *t})
}

func (d *Directory) removeProducerLocked(id domain.ProducerID, rm *Removed) {
	e, ok := d.producers[id]
	if !ok {
		return
	}
	delete(d.producers, id)
	rm.Producers = append(rm.Producers, e.p)

	for cid, c := range d.consumers {
		if c.ProducerID == id {
			rm.Consumers = append(rm.Consumers, *c)
			delete(d.consumers, cid)
		}
	}
	if dpid, ok := d.chat[domain.ChatKeyFor(id)]; ok {
		d.removeDataProducerLocked(dpid, rm)
	}
	d.emit(Event{Kind: ProducerRemoved, Producer: e.p})
}

func (d *Directory) removeDataProducerLocked(id domain.DataProducerID, rm *Removed) {
	dp, ok := d.dataProducers[id]
	if !ok {
		return
	}
	delete(d.dataProducers, id)
	if dp.ChatKey != "" && d.chat[dp.ChatKey] == id {
		delete(d.chat, dp.ChatKey)
	}
	rm.DataProducers = append(rm.DataProducers, *dp)

	for dcid, dc := range d.dataConsumers {
		if dc.DataProducerID == id {
			rm.DataConsumers = append(rm.DataConsumers, *dc)
			delete(d.dataConsumers, dcid)
		}
	}
}
