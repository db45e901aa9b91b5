// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal keeps a bounded, queryable history of applied packets.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

var (
	// ErrClosed is returned when querying a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrNilContext is returned when a query is made with a nil context.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetree_journal_records_total",
		Help: "Total number of applied packets recorded in the journal",
	})

	sizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statetree_journal_size",
		Help: "Current number of records in the journal",
	})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statetree_journal_query_duration_seconds",
		Help:    "Duration of journal queries",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"query_type"})

	channelFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetree_journal_channel_full_total",
		Help: "Number of records dropped due to a full channel",
	})
)

var tracer = otel.Tracer("statetree.journal")

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is one applied packet.
//
// Thread Safety: Immutable after creation.
type Record struct {
	// ID is a stable identifier for this record.
	ID string

	// Generation is the engine generation after the packet was applied.
	Generation int64

	// Timestamp is when the packet was recorded (Unix milliseconds UTC).
	Timestamp int64

	// Cascade identifies the cascade that applied the packet.
	Cascade string

	// Packet is the applied packet.
	Packet address.Packet
}

// -----------------------------------------------------------------------------
// Channel-based request/response types
// -----------------------------------------------------------------------------

type recordRequest struct {
	packet  address.Packet
	gen     int64
	cascade string
}

type queryType int

const (
	queryRange queryType = iota
	queryByAddress
	queryByGeneration
	queryByCascade
	querySize
	queryAll
)

func (q queryType) String() string {
	switch q {
	case queryRange:
		return "range"
	case queryByAddress:
		return "by_address"
	case queryByGeneration:
		return "by_generation"
	case queryByCascade:
		return "by_cascade"
	case querySize:
		return "size"
	default:
		return "all"
	}
}

type queryRequest struct {
	ctx      context.Context
	kind     queryType
	fromGen  int64
	toGen    int64
	key      address.Canonical
	cascade  string
	resultCh chan queryResult
}

type queryResult struct {
	records []Record
	size    int
	err     error
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

// DefaultMaxRecords is the default number of records kept.
const DefaultMaxRecords = 1000

// DefaultRecordChannelSize is the buffer size for the record channel.
const DefaultRecordChannelSize = 256

// DefaultQueryChannelSize is the buffer size for the query channel.
const DefaultQueryChannelSize = 10

// Worker owns the journal on a single goroutine. Records arrive on a
// buffered channel and are dropped, never blocking the engine, when it is
// full.
//
// Thread Safety: Safe for concurrent use. All operations go through channels.
type Worker struct {
	recordCh chan recordRequest
	queryCh  chan queryRequest
	closeCh  chan struct{}
	doneCh   chan struct{}

	closeOnce  sync.Once
	maxRecords int
	logger     *slog.Logger
}

// New starts a journal worker.
//
// Inputs:
//   - maxRecords: Records to keep before evicting the oldest
//     (DefaultMaxRecords if <= 0).
//   - logger: Logger instance. If nil, uses slog.Default().
//
// Outputs:
//   - *Worker: The running worker. Never nil.
func New(maxRecords int, logger *slog.Logger) *Worker {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		recordCh:   make(chan recordRequest, DefaultRecordChannelSize),
		queryCh:    make(chan queryRequest, DefaultQueryChannelSize),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		maxRecords: maxRecords,
		logger:     logger.With(slog.String("component", "journal")),
	}

	go w.run()
	return w
}

// store is the state owned by the worker goroutine.
type store struct {
	records   map[string]*Record
	ordered   []string
	byAddress map[address.Canonical][]string
	byGen     map[int64]string
	byCascade map[string][]string
}

func (s *store) evictOldest() {
	oldID := s.ordered[0]
	s.ordered = s.ordered[1:]

	old := s.records[oldID]
	delete(s.records, oldID)
	if old == nil {
		return
	}
	delete(s.byGen, old.Generation)

	ck := old.Packet.Key.Canonical()
	s.byAddress[ck] = slices.DeleteFunc(s.byAddress[ck], func(id string) bool { return id == oldID })
	if len(s.byAddress[ck]) == 0 {
		delete(s.byAddress, ck)
	}
	s.byCascade[old.Cascade] = slices.DeleteFunc(s.byCascade[old.Cascade], func(id string) bool { return id == oldID })
	if len(s.byCascade[old.Cascade]) == 0 {
		delete(s.byCascade, old.Cascade)
	}
}

func (s *store) collect(ids []string) []Record {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r := s.records[id]; r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// run is the main loop that owns all journal state.
func (w *Worker) run() {
	defer close(w.doneCh)

	s := &store{
		records:   make(map[string]*Record, w.maxRecords),
		ordered:   make([]string, 0, w.maxRecords),
		byAddress: make(map[address.Canonical][]string),
		byGen:     make(map[int64]string),
		byCascade: make(map[string][]string),
	}

	for {
		select {
		case <-w.closeCh:
			w.logger.Debug("journal worker shutting down",
				slog.Int("records", len(s.records)),
			)
			return

		case req := <-w.recordCh:
			w.add(s, req)

		case q := <-w.queryCh:
			// Queries observe every record accepted before they were issued.
			w.drain(s)
			q.resultCh <- w.answer(s, q)
		}
	}
}

func (w *Worker) drain(s *store) {
	for {
		select {
		case req := <-w.recordCh:
			w.add(s, req)
		default:
			return
		}
	}
}

func (w *Worker) add(s *store, req recordRequest) {
	if len(s.ordered) >= w.maxRecords {
		s.evictOldest()
	}

	r := &Record{
		ID:         uuid.NewString(),
		Generation: req.gen,
		Timestamp:  time.Now().UnixMilli(),
		Cascade:    req.cascade,
		Packet:     req.packet,
	}

	s.records[r.ID] = r
	s.ordered = append(s.ordered, r.ID)
	s.byGen[r.Generation] = r.ID
	ck := r.Packet.Key.Canonical()
	s.byAddress[ck] = append(s.byAddress[ck], r.ID)
	s.byCascade[r.Cascade] = append(s.byCascade[r.Cascade], r.ID)

	recordsTotal.Inc()
	sizeGauge.Set(float64(len(s.records)))

	w.logger.Debug("packet recorded in journal",
		slog.String("id", r.ID),
		slog.Int64("generation", r.Generation),
		slog.String("key", r.Packet.Key.String()),
		slog.String("cascade", r.Cascade),
	)
}

func (w *Worker) answer(s *store, q queryRequest) queryResult {
	if q.ctx != nil {
		select {
		case <-q.ctx.Done():
			return queryResult{err: q.ctx.Err()}
		default:
		}
	}

	switch q.kind {
	case queryRange:
		var out []Record
		for _, id := range s.ordered {
			if r := s.records[id]; r != nil && r.Generation > q.fromGen && r.Generation <= q.toGen {
				out = append(out, *r)
			}
		}
		return queryResult{records: out}
	case queryByAddress:
		return queryResult{records: s.collect(s.byAddress[q.key])}
	case queryByGeneration:
		if id, ok := s.byGen[q.fromGen]; ok {
			return queryResult{records: s.collect([]string{id})}
		}
		return queryResult{}
	case queryByCascade:
		return queryResult{records: s.collect(s.byCascade[q.cascade])}
	case querySize:
		return queryResult{size: len(s.records)}
	default:
		return queryResult{records: s.collect(s.ordered)}
	}
}

// Record adds an applied packet to the journal.
//
// Description:
//
//	Non-blocking. If the channel is full the record is dropped, counted
//	and logged.
//
// Thread Safety: Safe for concurrent use.
func (w *Worker) Record(p address.Packet, gen int64, cascade string) {
	select {
	case <-w.closeCh:
		return
	default:
	}

	select {
	case w.recordCh <- recordRequest{packet: p.Clone(), gen: gen, cascade: cascade}:
	default:
		channelFull.Inc()
		w.logger.Warn("journal channel full, dropping record",
			slog.Int64("generation", gen),
			slog.String("key", p.Key.String()),
		)
	}
}

// query sends q to the worker and waits for the answer.
func (w *Worker) query(ctx context.Context, q queryRequest, attrs ...attribute.KeyValue) (queryResult, error) {
	if ctx == nil {
		return queryResult{}, ErrNilContext
	}

	select {
	case <-w.closeCh:
		return queryResult{}, ErrClosed
	default:
	}

	ctx, span := tracer.Start(ctx, "journal.Worker."+q.kind.String(), trace.WithAttributes(attrs...))
	defer span.End()

	timer := prometheus.NewTimer(queryDuration.WithLabelValues(q.kind.String()))
	defer timer.ObserveDuration()

	q.ctx = ctx
	q.resultCh = make(chan queryResult, 1)

	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "context cancelled")
		return queryResult{}, ctx.Err()
	case <-w.doneCh:
		return queryResult{}, ErrClosed
	case w.queryCh <- q:
	}

	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "context cancelled")
		return queryResult{}, ctx.Err()
	case <-w.doneCh:
		return queryResult{}, ErrClosed
	case result := <-q.resultCh:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
			return queryResult{}, result.err
		}
		span.SetAttributes(attribute.Int("result_count", len(result.records)))
		return result, nil
	}
}

// Range returns records with fromGen < generation <= toGen, oldest first.
func (w *Worker) Range(ctx context.Context, fromGen, toGen int64) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{kind: queryRange, fromGen: fromGen, toGen: toGen},
		attribute.Int64("from_gen", fromGen),
		attribute.Int64("to_gen", toGen),
	)
	return res.records, err
}

// ByAddress returns the records applied at key, oldest first. Keys naming
// the same node match regardless of how their consist was split.
func (w *Worker) ByAddress(ctx context.Context, key address.Key) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{kind: queryByAddress, key: key.Canonical()},
		attribute.String("key", key.String()),
	)
	return res.records, err
}

// ByGeneration returns the record that produced generation gen.
func (w *Worker) ByGeneration(ctx context.Context, gen int64) (Record, bool, error) {
	res, err := w.query(ctx, queryRequest{kind: queryByGeneration, fromGen: gen},
		attribute.Int64("generation", gen),
	)
	if err != nil || len(res.records) == 0 {
		return Record{}, false, err
	}
	return res.records[0], true, nil
}

// ByCascade returns the records applied by one cascade, in apply order.
func (w *Worker) ByCascade(ctx context.Context, cascade string) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{kind: queryByCascade, cascade: cascade},
		attribute.String("cascade", cascade),
	)
	return res.records, err
}

// Size returns the number of records held.
func (w *Worker) Size(ctx context.Context) (int, error) {
	res, err := w.query(ctx, queryRequest{kind: querySize})
	return res.size, err
}

// All returns every record held, oldest first.
func (w *Worker) All(ctx context.Context) ([]Record, error) {
	res, err := w.query(ctx, queryRequest{kind: queryAll})
	return res.records, err
}

// Close stops the worker and waits for it to exit. Safe to call multiple
// times.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
	})
	<-w.doneCh
}
