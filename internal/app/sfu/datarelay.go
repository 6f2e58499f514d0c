package sfu

import (
	"maps"
	"sync"

	"github.com/dkeye/Stream/internal/domain"
	"github.com/rs/zerolog/log"
)

// DataSink is the outbound side of a data consumer. *webrtc.DataChannel satisfies it.
type DataSink interface {
	Send([]byte) error
}

// DataRelay fans data producer messages out to data consumers.
type DataRelay struct {
	mu    sync.RWMutex
	sinks map[domain.DataProducerID]map[domain.DataConsumerID]DataSink
}

func NewDataRelay() *DataRelay {
	return &DataRelay{sinks: make(map[domain.DataProducerID]map[domain.DataConsumerID]DataSink)}
}

// Open registers a data producer with no consumers yet.
func (d *DataRelay) Open(src domain.DataProducerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sinks[src]; !ok {
		d.sinks[src] = make(map[domain.DataConsumerID]DataSink)
	}
}

func (d *DataRelay) Has(src domain.DataProducerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sinks[src]
	return ok
}

// Attach reports false when src is not open.
func (d *DataRelay) Attach(src domain.DataProducerID, dst domain.DataConsumerID, sink DataSink) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs, ok := d.sinks[src]
	if !ok {
		return false
	}
	subs[dst] = sink
	return true
}

func (d *DataRelay) Detach(dst domain.DataConsumerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, subs := range d.sinks {
		delete(subs, dst)
	}
}

// Close drops src and returns the consumers that were attached to it.
func (d *DataRelay) Close(src domain.DataProducerID) []domain.DataConsumerID {
	d.mu.Lock()
	subs := d.sinks[src]
	delete(d.sinks, src)
	d.mu.Unlock()

	out := make([]domain.DataConsumerID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Forward sends payload to every consumer of src and returns how many
// accepted it. Sink lifetime is owned by the caller; failures are only logged.
func (d *DataRelay) Forward(src domain.DataProducerID, payload []byte) (int, bool) {
	d.mu.RLock()
	subs, ok := d.sinks[src]
	snapshot := make(map[domain.DataConsumerID]DataSink, len(subs))
	maps.Copy(snapshot, subs)
	d.mu.RUnlock()
	if !ok {
		return 0, false
	}

	sent := 0
	for id, sink := range snapshot {
		if err := sink.Send(payload); err != nil {
			log.Warn().Str("module", "sfu.datarelay").Str("data_consumer", string(id)).Err(err).Msg("data send failed")
			continue
		}
		sent++
	}
	return sent, true
}
