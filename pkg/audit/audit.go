// Package audit records every gated decision to append-only sinks
// without ever blocking the decision path.
package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// Sink is one destination for audit records. Append may be slow; the
// recorder serializes calls on its own goroutine.
type Sink interface {
	Name() string
	Append(ctx context.Context, rec models.AuditRecord) error
}

const DefaultBuffer = 256

// Recorder fans records out to sinks from a bounded queue. When the
// queue is full the record is dropped and counted, never waited on.
type Recorder struct {
	ch      chan models.AuditRecord
	sinks   []Sink
	metrics *metrics.Registry
	dropped atomic.Int64

	once sync.Once
	done chan struct{}
}

func NewRecorder(sinks []Sink, buffer int, reg *metrics.Registry) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Recorder{
		ch:      make(chan models.AuditRecord, buffer),
		sinks:   sinks,
		metrics: reg,
		done:    make(chan struct{}),
	}
}

// Record enqueues a record. Non-blocking: a full queue drops the record.
func (r *Recorder) Record(rec models.AuditRecord) {
	select {
	case r.ch <- rec:
	default:
		n := r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.SetGauge("audit_dropped_total", float64(n))
		}
	}
}

// Dropped reports how many records were lost to backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Start launches the drain loop. Records are masked once here, then
// written to every sink; a failing sink is logged and skipped.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				r.drain(context.Background())
				return
			case rec, ok := <-r.ch:
				if !ok {
					return
				}
				r.write(ctx, rec)
			}
		}
	}()
}

// Close flushes buffered records and stops the recorder.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.ch) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				return
			}
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec models.AuditRecord) {
	rec = maskRecord(rec)
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, rec); err != nil {
			log.Printf("audit sink %s failed: %v", sink.Name(), err)
		}
	}
}
