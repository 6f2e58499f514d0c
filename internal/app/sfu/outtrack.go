package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	// TrackStatePending holds packets back until the consumer's sender is started.
	TrackStatePending
	TrackStateDelete
)

// RTPWriter is the sink side of a consumer. *webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack represents a single outgoing track to a consumer.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func NewPendingOutTrack(track RTPWriter) *OutTrack {
	ot := &OutTrack{Track: track}
	ot.MarkPending()
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStatePending), int32(TrackStateOk))
}

func (ot *OutTrack) MarkPending() {
	ot.state.Store(int32(TrackStatePending))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
