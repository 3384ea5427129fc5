package hooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/metrics"
)

// Dispatcher fans events out to the hooks of their run.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error

	// Dispatch schedules the deliveries for event and returns immediately.
	Dispatch(event Event)
}

// Compile-time interface check.
var _ Dispatcher = (*dispatcher)(nil)

type dispatcher struct {
	log       logrus.FieldLogger
	timeout   time.Duration
	reporters map[string]Reporter

	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopped bool
}

// NewDispatcher creates a dispatcher with a reporter for every hook kind.
// Extra reporters replace the built-in one of the same kind.
func NewDispatcher(
	log logrus.FieldLogger,
	cfg *config.HooksConfig,
	extra ...Reporter,
) Dispatcher {
	client := &http.Client{}

	reporters := map[string]Reporter{}
	for _, r := range []Reporter{
		NewGitHubReporter(client),
		NewBitbucketReporter(client),
		NewSlackReporter(client),
		NewWebhookReporter(client),
	} {
		reporters[r.Kind()] = r
	}

	for _, r := range extra {
		reporters[r.Kind()] = r
	}

	return &dispatcher{
		log:       log.WithField("component", "hooks"),
		timeout:   cfg.DeliveryTimeout(),
		reporters: reporters,
	}
}

func (d *dispatcher) Start(_ context.Context) error {
	d.log.WithField("timeout", d.timeout).Info("Hook dispatcher started")

	return nil
}

// Stop rejects new events and waits for in-flight deliveries.
func (d *dispatcher) Stop() error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.wg.Wait()

	d.log.Info("Hook dispatcher stopped")

	return nil
}

func (d *dispatcher) Dispatch(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.log.WithField("event", event.Type).Warn("Dispatcher stopped, dropping event")

		return
	}

	for _, hook := range event.Run.Hooks {
		reporter, ok := d.reporters[hook.Kind]
		if !ok {
			d.log.WithFields(logrus.Fields{
				"hook_id": hook.ID,
				"kind":    hook.Kind,
			}).Warn("No reporter for hook kind")

			continue
		}

		if !Matches(hook, reporter.DefaultEvents(), event.Type) {
			continue
		}

		d.wg.Add(1)

		go d.deliver(reporter, hook, event)
	}
}

func (d *dispatcher) deliver(reporter Reporter, hook config.HookConfig, event Event) {
	defer d.wg.Done()

	metrics.HookDeliveriesInFlight.Inc()
	defer metrics.HookDeliveriesInFlight.Dec()

	log := d.log.WithFields(logrus.Fields{
		"hook_id":  hook.ID,
		"kind":     hook.Kind,
		"event":    event.Type,
		"run_id":   event.Run.RunID,
		"group_id": event.Group.GroupID,
	})

	defer func() {
		if r := recover(); r != nil {
			metrics.HookDeliveries.WithLabelValues(hook.Kind, "failed").Inc()
			log.WithField("panic", fmt.Sprint(r)).Error("Hook reporter panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := reporter.Report(ctx, hook, event)

	switch {
	case err == nil:
		metrics.HookDeliveries.WithLabelValues(hook.Kind, "delivered").Inc()
		log.Debug("Hook delivered")
	case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrMissingCommit):
		metrics.HookDeliveries.WithLabelValues(hook.Kind, "skipped").Inc()
		log.WithError(err).Warn("Skipping hook")
	default:
		metrics.HookDeliveries.WithLabelValues(hook.Kind, "failed").Inc()
		log.WithError(err).Error("Hook delivery failed")
	}
}
