// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package scheduler drives the customs' three cooperative background ticks:
// ingesting hub release tickets, building and sending release batches plus
// confirming or replacing submitted transactions, and refreshing the
// cached fee estimate.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octopus-network/bitcoin-runes-customs/finalize"
	"github.com/octopus-network/bitcoin-runes-customs/release"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
)

// Intervals between ticks, matching the three background tasks in spec.md
// §4.I: release processing, ticket ingest, and fee-percentile refresh.
const (
	ProcessingInterval   = 5 * time.Second
	TicketIngestInterval = 5 * time.Second
	FeeRefreshInterval   = time.Hour
)

// Scheduler owns the release and finalize pipelines and drives them on
// independent tickers until its context is cancelled.
type Scheduler struct {
	log         *eventlog.Log
	release     *release.Pipeline
	finalize    *finalize.Pipeline
	tokenToRune map[string]runestone.RuneID
	logger      *logrus.Entry

	// processingGuard is the Go translation of the original's
	// TimerLogicGuard: a tick that is still running when the next one fires
	// is skipped rather than stacked, via TryLock.
	processingGuard sync.Mutex

	cachedFeePerVbyte uint64
	haveFee           bool
}

// New constructs a Scheduler. tokenToRune maps a release ticket's token id
// to the rune it pays out, sourced from process configuration.
func New(log *eventlog.Log, releasePipeline *release.Pipeline, finalizePipeline *finalize.Pipeline, tokenToRune map[string]runestone.RuneID, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		log:         log,
		release:     releasePipeline,
		finalize:    finalizePipeline,
		tokenToRune: tokenToRune,
		logger:      logger,
	}
}

// Run blocks, driving all three ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s.runTicker(ctx, ProcessingInterval, s.processingTick)
	}()
	go func() {
		defer wg.Done()
		s.runTicker(ctx, TicketIngestInterval, s.ticketIngestTick)
	}()
	go func() {
		defer wg.Done()
		s.runTicker(ctx, FeeRefreshInterval, s.feeRefreshTick)
	}()

	wg.Wait()
}

func (s *Scheduler) runTicker(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// processingTick builds and sends pending release batches, then confirms or
// replaces already-submitted transactions. Overlapping fires are dropped,
// not queued: a tick still running when the next one is due just skips that
// turn, leaving the following tick to pick up where state stands.
func (s *Scheduler) processingTick(ctx context.Context) {
	if !s.processingGuard.TryLock() {
		return
	}
	defer s.processingGuard.Unlock()

	if s.haveFee {
		if err := s.release.ProcessPendingBatches(ctx, s.cachedFeePerVbyte); err != nil {
			s.logger.WithError(err).Warn("processing tick: failed to process pending batches")
		}
	}

	if err := s.finalize.Tick(ctx); err != nil {
		s.logger.WithError(err).Warn("processing tick: failed to finalize requests")
	}
}

// ticketIngestTick pulls new release tickets from the hub into the pending
// queue; it runs independently of processingTick so a slow release build
// never delays ingest.
func (s *Scheduler) ticketIngestTick(ctx context.Context) {
	if err := s.release.SubmitReleaseTokenRequests(ctx, s.tokenToRune); err != nil {
		s.logger.WithError(err).Warn("ticket ingest tick: failed to submit release token requests")
	}
}

// feeRefreshTick refreshes the cached network fee estimate that
// processingTick consults; an unavailable estimate just leaves the previous
// one (or none) in place for the next tick to retry.
func (s *Scheduler) feeRefreshTick(ctx context.Context) {
	st := s.log.State()
	fee, ok := s.finalize.EstimateFeePerVbyte(ctx, st.Config.BtcNetwork)
	if !ok {
		return
	}
	s.cachedFeePerVbyte = fee
	s.haveFee = true
}
