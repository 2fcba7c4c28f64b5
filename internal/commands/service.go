// Package commands hands device commands and lifecycle notifications to the
// configured event publishers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/internal/logger"
	"github.com/glkvm-cloud/device-console/pkg/publishers"
)

var (
	// ErrNotDelivered is returned by a waiting dispatch that no publisher accepted.
	ErrNotDelivered = errors.New("command was not delivered to any publisher")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("command service is closed")
)

const defaultTimeout = 30 * time.Second

// Service dispatches commands synchronously or in the background.
type Service struct {
	pub     EventPublisher
	log     logger.Logger
	timeout time.Duration

	// ctx bounds background sends; Close cancels it after they drain.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService wires the dispatcher. A nil publisher drops every event.
func NewService(pub EventPublisher, log logger.Logger, timeout time.Duration) *Service {
	if log == nil {
		log = logger.NopLogger{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		pub:     pub,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch publishes a command event for cmd.ID. With cmd.Wait set it blocks
// until every publisher has answered and fails when none accepted the event;
// otherwise it returns immediately with Delivered = 0.
func (s *Service) Dispatch(ctx context.Context, cmd domain.ExecuteCommandParams) (domain.CommandResult, error) {
	if s == nil {
		return domain.CommandResult{}, errors.New("command service is not initialized")
	}
	cmd.ID = strings.TrimSpace(cmd.ID)
	if cmd.ID == "" {
		return domain.CommandResult{}, errors.New("device id is required")
	}
	if strings.TrimSpace(cmd.Cmd) == "" {
		return domain.CommandResult{}, errors.New("command is required")
	}

	evt := publishers.NewCommandEvent(cmd)
	result := domain.CommandResult{
		Token:    evt.ID,
		DeviceID: cmd.ID,
		Group:    cmd.Group,
		Waited:   cmd.Wait,
	}

	if !cmd.Wait {
		if err := s.goPublish(evt); err != nil {
			return result, err
		}
		return result, nil
	}

	if s.isClosed() {
		return result, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	delivered, err := s.publish(ctx, evt)
	result.Delivered = delivered
	if delivered == 0 {
		if err != nil {
			return result, fmt.Errorf("%w: %w", ErrNotDelivered, err)
		}
		return result, ErrNotDelivered
	}
	if err != nil {
		s.log.WarnObj("command partially delivered", "command_dispatch", map[string]any{
			"device_id": cmd.ID,
			"token":     evt.ID,
			"delivered": delivered,
			"error":     err.Error(),
		})
	}
	return result, nil
}

// Notify publishes a device lifecycle event in the background. Failures are
// only logged.
func (s *Service) Notify(kind, deviceID string) {
	if s == nil {
		return
	}
	if err := s.goPublish(publishers.NewEvent(kind, deviceID)); err != nil {
		s.log.DebugObj("device event dropped", "device_event", map[string]any{
			"kind":      kind,
			"device_id": deviceID,
			"error":     err.Error(),
		})
	}
}

// Close stops accepting work and waits for background sends to finish or ctx
// to expire.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) goPublish(evt publishers.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		if _, err := s.publish(ctx, evt); err != nil {
			s.log.ErrorObj("event publish failed", "event_publish_error", map[string]any{
				"event_id":  evt.ID,
				"kind":      evt.Kind,
				"device_id": evt.DeviceID,
				"error":     err.Error(),
			})
		}
	}()
	return nil
}

func (s *Service) publish(ctx context.Context, evt publishers.Event) (int, error) {
	if s.pub == nil {
		return 0, nil
	}
	delivered, err := s.pub.Publish(ctx, evt)
	s.log.InfoObj("event published", "event_publish", map[string]any{
		"event_id":  evt.ID,
		"kind":      evt.Kind,
		"device_id": evt.DeviceID,
		"delivered": delivered,
	})
	return delivered, err
}
