package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/transport"
)

// Task roles.
const (
	RoleSampler = "sampler"
	RoleSink    = "sink"
	RoleProxy   = "proxy"
)

// pollTimeoutMs bounds a proxy receive so the run loop notices ctx.
const pollTimeoutMs = 200

// sampler sends fixed-size messages on its output channel.
type sampler struct {
	out     string
	size    int
	max     uint64
	logger  *slog.Logger
	counter atomic.Uint64
}

func (s *sampler) ConditionalRun(_ context.Context, d *device.Device) (bool, error) {
	msg, err := d.NewMessage(transport.WithSize(s.size))
	if err != nil {
		return false, err
	}
	defer msg.Close()

	if _, err := d.Send(msg, s.out, 0, -1); err != nil {
		if errors.Is(err, transport.ErrInterrupted) {
			return false, nil
		}
		return false, fmt.Errorf("send on %s: %w", s.out, err)
	}
	n := s.counter.Add(1)
	if s.max > 0 && n >= s.max {
		s.logger.Info("configured maximum number of iterations reached", "iterations", n)
		return false, nil
	}
	return true, nil
}

func (s *sampler) ResetTask(context.Context, *device.Device) error {
	s.counter.Store(0)
	return nil
}

// sink consumes messages from its input channel.
type sink struct {
	in       string
	max      uint64
	logger   *slog.Logger
	received atomic.Uint64
}

func (s *sink) InitTask(_ context.Context, d *device.Device) error {
	d.OnData(s.in, s.handle)
	return nil
}

func (s *sink) handle(msg transport.Message, _ int) bool {
	msg.Close()
	n := s.received.Add(1)
	if s.max > 0 && n >= s.max {
		s.logger.Info("configured maximum number of iterations reached", "iterations", n)
		return false
	}
	return true
}

func (s *sink) ResetTask(context.Context, *device.Device) error {
	s.received.Store(0)
	return nil
}

// proxy forwards every transmission from its input to its output channel.
type proxy struct {
	in        string
	out       string
	forwarded atomic.Uint64
}

func (p *proxy) Run(ctx context.Context, d *device.Device) error {
	for ctx.Err() == nil {
		parts := transport.NewParts()
		if _, err := d.ReceiveParts(parts, p.in, 0, pollTimeoutMs); err != nil {
			parts.Close()
			if errors.Is(err, transport.ErrTimedOut) {
				continue
			}
			return err
		}
		_, err := d.SendParts(parts, p.out, 0, -1)
		parts.Close()
		if err != nil {
			return err
		}
		p.forwarded.Add(1)
	}
	return nil
}

// newTask builds the task for role.
func newTask(role, in, out string, size int, max uint64, logger *slog.Logger) (any, error) {
	switch role {
	case RoleSampler:
		return &sampler{out: out, size: size, max: max, logger: logger}, nil
	case RoleSink:
		return &sink{in: in, max: max, logger: logger}, nil
	case RoleProxy:
		return &proxy{in: in, out: out}, nil
	default:
		return nil, fmt.Errorf("unknown role %q (want %s, %s or %s)", role, RoleSampler, RoleSink, RoleProxy)
	}
}
