package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrMailboxRunning is returned by StartWorkers when workers are already
	// running.
	ErrMailboxRunning = errors.New("dispatch: mailbox workers already started")
	// ErrMailboxFull is returned by TryEnqueue when no slot is free.
	ErrMailboxFull = errors.New("dispatch: mailbox full")
	// ErrMailboxClosed is returned once Close has been called.
	ErrMailboxClosed = errors.New("dispatch: mailbox closed")
)

// ResultFunc receives the outcome of a queued message.
type ResultFunc func(msg Message, res Result, err error)

// Mailbox queues messages for asynchronous delivery through a Dispatcher.
// It is backed by a buffered channel and is safe for concurrent use.
type Mailbox struct {
	dispatcher *Dispatcher
	ch         chan Message
	onResult   ResultFunc
	logger     *zap.Logger
	done       chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMailbox creates a mailbox with the given capacity (default 1024).
// onResult may be nil.
func NewMailbox(d *Dispatcher, capacity int, onResult ResultFunc) *Mailbox {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Mailbox{
		dispatcher: d,
		ch:         make(chan Message, capacity),
		onResult:   onResult,
		logger:     d.logger,
		done:       make(chan struct{}),
	}
}

// Enqueue adds msg to the queue, blocking while it is full until ctx is
// done. Missing ids and timestamps are filled in. It returns the message id.
func (m *Mailbox) Enqueue(ctx context.Context, msg Message) (string, error) {
	if m.isClosed() {
		return "", ErrMailboxClosed
	}
	msg = stamp(msg)
	select {
	case m.ch <- msg:
		return msg.ID, nil
	case <-m.done:
		return "", ErrMailboxClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TryEnqueue is Enqueue without waiting: a full queue yields ErrMailboxFull.
func (m *Mailbox) TryEnqueue(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.isClosed() {
		return "", ErrMailboxClosed
	}
	msg = stamp(msg)
	select {
	case m.ch <- msg:
		return msg.ID, nil
	default:
		return "", ErrMailboxFull
	}
}

func stamp(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return msg
}

func (m *Mailbox) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Mailbox) dequeue(ctx context.Context) (Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// QueueDepth returns the approximate number of queued messages.
func (m *Mailbox) QueueDepth() int {
	return len(m.ch)
}

// ProcessOne delivers a single queued message, blocking until one is
// available or ctx is done.
func (m *Mailbox) ProcessOne(ctx context.Context) error {
	msg, err := m.dequeue(ctx)
	if err != nil {
		return err
	}
	res, err := m.dispatcher.deliver(ctx, nil, msg)
	if m.onResult != nil {
		m.onResult(msg, res, err)
	}
	return nil
}

// StartWorkers starts concurrency goroutines that process queued messages
// until Stop is called or ctx is cancelled.
func (m *Mailbox) StartWorkers(ctx context.Context, concurrency int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return ErrMailboxClosed
	}
	if m.running {
		return ErrMailboxRunning
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer m.wg.Done()
			for {
				err := m.ProcessOne(ctx)
				if err == nil {
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				m.logger.Warn("mailbox_worker_error", zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop cancels the workers and waits for them to exit. Messages still
// queued stay in the mailbox.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Close stops the workers and rejects further messages. Messages still
// queued are dropped with the mailbox. Close is idempotent.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.Stop()
}
