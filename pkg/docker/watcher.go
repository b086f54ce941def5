package docker

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/events"
)

var errStreamClosed = errors.New("event stream closed")

// Watch subscribes to the host's event stream and calls notify once per
// event, without filtering by type. notify is also called each time a new
// subscription is opened, so events lost while reconnecting are covered.
// On stream errors Watch resubscribes with exponential backoff. It returns
// when ctx is cancelled.
func (h *Host) Watch(ctx context.Context, notify func()) {
	h.backoff.Reset()

	for {
		eventChan, errChan := h.client.Events(ctx, events.ListOptions{})
		notify()

		err := h.consume(ctx, eventChan, errChan, notify)
		if ctx.Err() != nil {
			return
		}

		wait := h.backoff.NextBackOff()
		log.Warn("Docker event stream disconnected, resubscribing", "host", h.name, "err", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (h *Host) consume(ctx context.Context, eventChan <-chan events.Message, errChan <-chan error, notify func()) error {
	first := true
	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return errStreamClosed
			}
			if first {
				h.backoff.Reset()
				first = false
			}
			log.Debug("Docker event", "host", h.name, "type", event.Type, "action", event.Action, "id", event.Actor.ID)
			notify()

		case err, ok := <-errChan:
			if !ok || err == nil {
				return errStreamClosed
			}
			log.Error("Docker event stream error", "host", h.name, "err", err)
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
