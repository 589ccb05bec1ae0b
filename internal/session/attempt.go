package session

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/evdash/internal/transport"
)

type attemptMode int

const (
	modeConnect attemptMode = iota
	modeReconnect
)

// startAttempt supersedes any pending attempt or live link and launches a
// new attempt. A successful attempt's context stays live for as long as
// the link it produced.
func (s *Session) startAttempt(mode attemptMode) {
	s.cancelAttempt()
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(s.runCtx)
	s.attemptCancel = cancel
	go s.attempt(ctx, gen, mode)
}

func (s *Session) cancelAttempt() {
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
}

// attempt runs off the loop and reports exactly one attemptResult unless it
// was cancelled first.
func (s *Session) attempt(ctx context.Context, gen uint64, mode attemptMode) {
	h := &handler{s: s, ctx: ctx, gen: gen}
	var err error
	if mode == modeConnect {
		err = s.connectImmediate(ctx, h)
	} else {
		err = s.reconnectWithBackoff(ctx, gen, h)
	}

	if ctx.Err() != nil || !s.postCtx(ctx, attemptResult{gen: gen, mode: mode, err: err}) {
		if err == nil {
			// The link came up after it stopped being wanted. Connect
			// succeeded, so the link is this attempt's own.
			_ = s.transport.Disconnect(s.serial)
		}
	}
}

func (s *Session) connectImmediate(ctx context.Context, h *handler) error {
	var err error
	for i := 0; i <= s.cfg.ImmediateRetries; i++ {
		if err = s.dial(ctx, h); err == nil || !retryable(ctx, err) {
			return err
		}
		logf(s.serial, "connect attempt %d/%d: %v", i+1, s.cfg.ImmediateRetries+1, err)
	}
	return err
}

func (s *Session) reconnectWithBackoff(ctx context.Context, gen uint64, h *handler) error {
	delay := s.cfg.InitialBackoff
	var err error
	for i := 1; i <= s.cfg.MaxAttempts; i++ {
		s.postCtx(ctx, attemptProgress{gen: gen, attempt: i, err: err})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err = s.dial(ctx, h); err == nil || !retryable(ctx, err) {
			return err
		}
		logf(s.serial, "reconnect attempt %d/%d failed, next in %v: %v",
			i, s.cfg.MaxAttempts, min(delay*2, s.cfg.MaxBackoff), err)
		delay = min(delay*2, s.cfg.MaxBackoff)
	}
	return err
}

func (s *Session) dial(ctx context.Context, h *handler) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.transport.Connect(ctx, s.serial, h)
}

func retryable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && !errors.Is(err, transport.ErrPairingLost)
}
