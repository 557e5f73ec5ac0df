package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Store persists sequenced entries. AppendBatch must be all-or-nothing and
// must reject ids that already exist.
type Store interface {
	Head(ctx context.Context) (Head, error)
	AppendBatch(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, filter Filter) iter.Seq2[Entry, error]
}

// Appender is the write side consumed by the rest of the core.
type Appender interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
}

// BatchAppender writes several entries atomically: either all of them are
// chained and stored contiguously or none is.
type BatchAppender interface {
	AppendAll(ctx context.Context, entries []Entry) ([]Entry, error)
}

// AppendAll uses the atomic batch write when a supports it and falls back to
// one Append per entry otherwise.
func AppendAll(ctx context.Context, a Appender, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if b, ok := a.(BatchAppender); ok {
		return b.AppendAll(ctx, entries)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		written, err := a.Append(ctx, e)
		if err != nil {
			return out, err
		}
		out = append(out, written)
	}
	return out, nil
}

// Options tunes the sequencer.
type Options struct {
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
	Clock        shared.Clock
	Logger       *slog.Logger
	// OnFailure observes batches that could not be written.
	OnFailure func(err error)
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 25 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = shared.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type appendRequest struct {
	ctx     context.Context
	entries []Entry
	done    chan appendResult
}

type appendResult struct {
	entries []Entry
	err     error
}

// Log is the append-only, hash-chained audit trail. Concurrent appends are
// group-committed by a single sequencer goroutine: each batch gets
// contiguous ids and is written atomically before any caller returns.
type Log struct {
	store    Store
	signer   *Signer
	opts     Options
	requests chan *appendRequest
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	// head is owned by the sequencer goroutine.
	head Head
}

// NewLog loads the chain head and starts the sequencer.
func NewLog(ctx context.Context, store Store, signer *Signer, opts Options) (*Log, error) {
	if store == nil {
		return nil, errors.New("audit: store not configured")
	}
	if signer == nil {
		return nil, errors.New("audit: signer not configured")
	}
	opts.normalize()
	head, err := store.Head(ctx)
	if err != nil {
		return nil, shared.Persistence("audit head", err)
	}
	l := &Log{
		store:    store,
		signer:   signer,
		opts:     opts,
		requests: make(chan *appendRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		head:     head,
	}
	go l.run()
	return l, nil
}

// Append sequences, chains and durably stores entry. The returned entry
// carries its assigned id and hash. Any error means the entry was not
// written.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	written, err := l.AppendAll(ctx, []Entry{entry})
	if err != nil {
		return Entry{}, err
	}
	return written[0], nil
}

// AppendAll stores entries with contiguous ids in one atomic write.
//
// Cancelling ctx only abandons a request the sequencer has not yet picked
// up. Once picked up, the call waits for the write outcome (bounded by
// Options.WriteTimeout) so an error always means nothing was stored.
func (l *Log) AppendAll(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
	}
	req := &appendRequest{ctx: ctx, entries: slices.Clone(entries), done: make(chan appendResult, 1)}
	select {
	case l.requests <- req:
	case <-l.stop:
		return nil, shared.Persistence("audit append", ErrClosed)
	case <-ctx.Done():
		return nil, shared.Persistence("audit append", ctx.Err())
	}
	res := <-req.done
	return res.entries, res.err
}

// Query streams entries ordered by id ascending.
func (l *Log) Query(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	return l.store.Query(ctx, filter)
}

// Verify recomputes the whole chain.
func (l *Log) Verify(ctx context.Context) (Report, error) {
	return l.signer.VerifyEntries(ctx, l.store.Query(ctx, Filter{}))
}

// Close stops accepting appends after pending ones are committed.
func (l *Log) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *Log) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.requests:
			batch := l.collect(req)
			l.commit(batch)
		case <-l.stop:
			for {
				select {
				case req := <-l.requests:
					l.commit(l.collect(req))
				default:
					return
				}
			}
		}
	}
}

// collect drains callers that are already waiting so they share one write.
func (l *Log) collect(first *appendRequest) []*appendRequest {
	batch := []*appendRequest{first}
	size := len(first.entries)
	for size < l.opts.BatchSize {
		select {
		case req := <-l.requests:
			batch = append(batch, req)
			size += len(req.entries)
		default:
			return batch
		}
	}
	return batch
}

func (l *Log) commit(batch []*appendRequest) {
	live := batch[:0]
	for _, req := range batch {
		if err := req.ctx.Err(); err != nil {
			req.done <- appendResult{err: shared.Persistence("audit append", err)}
			continue
		}
		live = append(live, req)
	}
	if len(live) == 0 {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(l.opts.RetryBackoff * time.Duration(attempt))
			l.reloadHead()
		}
		entries := l.seal(live)
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
		err := l.store.AppendBatch(ctx, entries)
		cancel()
		if err == nil {
			last := entries[len(entries)-1]
			l.head = Head{ID: last.ID, Hash: last.Hash, Timestamp: last.Timestamp}
			offset := 0
			for _, req := range live {
				n := len(req.entries)
				req.done <- appendResult{entries: entries[offset : offset+n : offset+n]}
				offset += n
			}
			return
		}
		lastErr = err
		l.opts.Logger.Warn("audit batch write failed",
			slog.Int("attempt", attempt+1),
			slog.Int("size", len(entries)),
			slog.Any("error", err))
	}

	if l.opts.OnFailure != nil {
		l.opts.OnFailure(lastErr)
	}
	wrapped := shared.Persistence("audit append", lastErr)
	for _, req := range live {
		req.done <- appendResult{err: wrapped}
	}
}

func (l *Log) reloadHead() {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
	defer cancel()
	head, err := l.store.Head(ctx)
	if err != nil {
		l.opts.Logger.Warn("audit head reload failed", slog.Any("error", err))
		return
	}
	l.head = head
}

// seal assigns ids, timestamps and chain hashes starting from the head.
func (l *Log) seal(batch []*appendRequest) []Entry {
	var entries []Entry
	prev := l.head
	for _, req := range batch {
		for _, e := range req.entries {
			ts := l.opts.Clock.Now().UTC().Truncate(time.Microsecond)
			if ts.Before(prev.Timestamp) {
				ts = prev.Timestamp
			}
			e.ID = prev.ID + 1
			e.Timestamp = ts
			e.PrevHash = prev.Hash
			e.Hash = l.signer.Sum(e)
			entries = append(entries, e)
			prev = Head{ID: e.ID, Hash: e.Hash, Timestamp: e.Timestamp}
		}
	}
	return entries
}

func validateEntry(e Entry) error {
	verr := &shared.ValidationError{}
	if strings.TrimSpace(e.ActorID) == "" {
		verr.Add("actor_id", "required")
	}
	if strings.TrimSpace(e.Action) == "" {
		verr.Add("action", "required")
	}
	if !e.Outcome.Valid() {
		verr.Add("outcome", fmt.Sprintf("unknown outcome %q", e.Outcome))
	}
	if verr.Empty() {
		return nil
	}
	return verr
}
