package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/carewire/referrald/internal/observability"
	"github.com/carewire/referrald/internal/reliability"
	"github.com/carewire/referrald/internal/tasks"
)

// Payload is the webhook body. Receivers deduplicate on the
// (task_id, sequence) pair since delivery is at-least-once.
type Payload struct {
	TaskID    string      `json:"task_id"`
	ContextID string      `json:"context_id"`
	State     tasks.State `json:"state"`
	Sequence  int         `json:"sequence"`
	Final     bool        `json:"final"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}

type Config struct {
	MaxRetries  int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	SendTimeout time.Duration
}

// Dispatcher delivers status-update events to per-task webhook URLs.
// One watcher goroutine per task follows the event log; delivery
// failures are retried with backoff and never block the task lifecycle.
type Dispatcher struct {
	cfg     Config
	manager *tasks.Manager
	client  *http.Client
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watching map[string]bool
}

func NewDispatcher(cfg Config, manager *tasks.Manager, metrics *observability.Metrics) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		manager:  manager,
		client:   &http.Client{Timeout: cfg.SendTimeout},
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		watching: make(map[string]bool),
	}
}

// Watch starts following a task's status updates. Calling it again for
// a task already being watched is a no-op, so it is safe to invoke on
// every push-config write.
func (d *Dispatcher) Watch(taskID string) {
	d.mu.Lock()
	if d.watching[taskID] {
		d.mu.Unlock()
		return
	}
	d.watching[taskID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.watching, taskID)
			d.mu.Unlock()
		}()
		d.follow(taskID)
	}()
}

// Close stops all watchers and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// follow tails the task's event log, resubscribing from the last seen
// sequence whenever the manager closes a lagging channel.
func (d *Dispatcher) follow(taskID string) {
	lastSeq := 0
	for {
		if d.ctx.Err() != nil {
			return
		}
		ch, cancel, err := d.manager.Subscribe(taskID, lastSeq)
		if err != nil {
			log.Printf("push: task %s: subscribe failed: %v", taskID, err)
			return
		}
		done := d.drain(taskID, ch, &lastSeq)
		cancel()
		if done {
			return
		}
	}
}

func (d *Dispatcher) drain(taskID string, ch <-chan tasks.Event, lastSeq *int) bool {
	for {
		select {
		case <-d.ctx.Done():
			return true
		case evt, ok := <-ch:
			if !ok {
				// Closed as a slow consumer; caller resubscribes.
				return false
			}
			*lastSeq = evt.Seq
			if evt.Type != tasks.EventStatusUpdate {
				continue
			}
			d.deliver(taskID, evt)
			if evt.Final {
				return true
			}
		}
	}
}

func (d *Dispatcher) deliver(taskID string, evt tasks.Event) {
	cfg, err := d.manager.PushConfig(taskID)
	if err != nil || cfg == nil || cfg.URL == "" {
		return
	}

	body, err := json.Marshal(Payload{
		TaskID:    evt.TaskID,
		ContextID: evt.ContextID,
		State:     evt.State,
		Sequence:  evt.Seq,
		Final:     evt.Final,
		Reason:    evt.Reason,
		At:        evt.At,
	})
	if err != nil {
		log.Printf("push: task %s: marshal payload: %v", taskID, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, d.cfg.BackoffMin, d.cfg.BackoffMax)
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		lastErr = d.post(cfg, body)
		if lastErr == nil {
			d.countDelivery("success")
			return
		}
		if errors.Is(lastErr, errDeliveryRejected) {
			// A non-retryable status; more attempts cannot help.
			break
		}
		d.countDelivery("retry")
	}
	// Exhausted: logged and dropped. Push failure never fails the task.
	d.countDelivery("failure")
	log.Printf("push: task %s seq %d: delivery failed after %d attempts: %v",
		taskID, evt.Seq, d.cfg.MaxRetries+1, lastErr)
}

func (d *Dispatcher) post(cfg *tasks.PushConfig, body []byte) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		scheme := cfg.AuthScheme
		if scheme == "" {
			scheme = "Bearer"
		}
		req.Header.Set("Authorization", scheme+" "+cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
		return fmt.Errorf("%w: status %d", errDeliveryRejected, resp.StatusCode)
	}
	return fmt.Errorf("webhook returned %d", resp.StatusCode)
}

var errDeliveryRejected = errors.New("webhook rejected delivery")

func (d *Dispatcher) countDelivery(result string) {
	if d.metrics != nil {
		d.metrics.PushDeliveries.WithLabelValues(result).Inc()
	}
}
