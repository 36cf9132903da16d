// Package queue implements C8: the durable offline message queue — a
// priority-ordered live set of outbound/in-flight messages, tombstoned
// deletions, and an order-independent digest used by the sync manager
// (C11) to decide whether two nodes' queues have diverged.
package queue

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority is shared with C9's RelayMetadata (spec.md §3): both the
// offline queue and the relay engine order work by the same four tiers.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// PriorityTTLTable is the priority→TTL map spec.md §3/§6 names as the
// configurable knob priority_ttl_map; the zero value is not a valid table
// (see DefaultPriorityTTL).
type PriorityTTLTable struct {
	Low    uint8
	Normal uint8
	High   uint8
	Urgent uint8
}

// DefaultPriorityTTL is spec.md §6's default priority_ttl_map.
func DefaultPriorityTTL() PriorityTTLTable {
	return PriorityTTLTable{Low: 3, Normal: 4, High: 5, Urgent: 5}
}

// TTLFor looks up p's TTL, falling back to Normal's for an unrecognized
// priority value.
func (t PriorityTTLTable) TTLFor(p Priority) uint8 {
	switch p {
	case PriorityLow:
		return t.Low
	case PriorityNormal:
		return t.Normal
	case PriorityHigh:
		return t.High
	case PriorityUrgent:
		return t.Urgent
	default:
		return t.Normal
	}
}

// TTLForPriority is the priority→TTL map from spec.md §3/§6, using the
// default table. Engine and Queue instances configured with a custom
// priority_ttl_map use PriorityTTLTable.TTLFor instead.
func TTLForPriority(p Priority) uint8 {
	return DefaultPriorityTTL().TTLFor(p)
}

// Status is a QueuedMessage's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Backoff defaults: spec.md §4.8 names the formula but not the constants;
// these mirror the handshake retry cadence's order of magnitude (§4.12)
// scaled up for a background queue rather than a blocking handshake wait.
const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
)

// Sentinel errors from spec.md §7's queue error taxonomy.
var (
	// ErrNotFound is returned by operations addressing an id that isn't in
	// the live queue and was never tombstoned either.
	ErrNotFound = errors.New("queue: message not found")
	// ErrTombstoned is returned by operations addressing an id that has
	// already been deleted (and tombstoned), as distinct from one that
	// never existed.
	ErrTombstoned = errors.New("queue: message tombstoned")
	// ErrQueueFull is returned by Enqueue when the live queue is at its
	// configured MaxSize and priority is not PriorityUrgent (spec.md §5's
	// hard size cap with backpressure).
	ErrQueueFull = errors.New("queue: at capacity")
	// ErrQueueIO wraps a failure from the underlying Store.
	ErrQueueIO = errors.New("queue: persistence store error")
)

// resolveMissing distinguishes "never existed" from "tombstoned" for an id
// absent from the live set. Callers must hold q.mu.
func (q *Queue) resolveMissing(id string) error {
	if _, ok := q.tombstones[id]; ok {
		return ErrTombstoned
	}
	return ErrNotFound
}

func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrQueueIO, err)
}

// RelayMetadata is the opaque relay envelope a QueuedMessage carries when
// it originated as (or is being forwarded as) a mesh relay; defined fully
// in package relay, held here as an untyped value to avoid a cyclic
// import (relay imports queue, not the reverse).
type RelayMetadata = any

// Attachment is a placeholder for chat attachment references; the
// fragmenter/transport layers move the actual bytes.
type Attachment struct {
	Name string
	Size int
}

// QueuedMessage is spec.md §3's QueuedMessage entity.
type QueuedMessage struct {
	ID                string
	ChatID            string
	Content           []byte
	Sender            string
	Recipient         string
	Priority          Priority
	Attempts          uint32
	Status            Status
	CreatedAt         time.Time
	NextAttemptAt     time.Time
	RelayMetadata     RelayMetadata
	OriginalMessageID string
	Persist           bool
	Attachments       []Attachment
	ReplyTo           string
	FailReason        string
}

// EnqueueOptions carries the optional fields of enqueue per spec.md §4.8.
type EnqueueOptions struct {
	Attachments       []Attachment
	ReplyTo           string
	RelayMetadata     RelayMetadata
	OriginalMessageID string
	Persist           bool
}

// Store is the persistence hook: queue items and tombstones must survive
// process restart (spec.md §4.8); this module only consumes the store.
type Store interface {
	SaveMessage(m QueuedMessage) error
	DeleteMessage(id string) error
	SaveTombstone(id string) error
	LoadMessages() ([]QueuedMessage, error)
	LoadTombstones() ([]string, error)
}

// NopStore discards everything.
type NopStore struct{}

func (NopStore) SaveMessage(QueuedMessage) error        { return nil }
func (NopStore) DeleteMessage(string) error             { return nil }
func (NopStore) SaveTombstone(string) error             { return nil }
func (NopStore) LoadMessages() ([]QueuedMessage, error) { return nil, nil }
func (NopStore) LoadTombstones() ([]string, error)      { return nil, nil }

// Config bounds one Queue instance: the hard size cap spec.md §5 requires
// and the priority_ttl_map §6 names, both normally sourced from
// config.Config and copied in by the caller (meshcore.New) so this package
// never imports the top-level config package.
type Config struct {
	// MaxSize is the hard cap on live entries (spec.md §5); Enqueue fails
	// non-urgent inserts once len(live) >= MaxSize. Zero means unlimited,
	// so a zero-value Config (e.g. in existing tests) keeps prior
	// behavior.
	MaxSize int
	// PriorityTTL is the priority→TTL map new relay metadata inherits via
	// TTLForPriority (spec.md §3/§6). Zero value falls back to
	// DefaultPriorityTTL.
	PriorityTTL PriorityTTLTable
}

// Queue is the in-memory reference implementation of C8, fronting a Store.
type Queue struct {
	mu          sync.Mutex
	store       Store
	log         *zap.SugaredLogger
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxSize     int
	priorityTTL PriorityTTLTable

	live       map[string]*QueuedMessage
	tombstones map[string]struct{}
	online     bool

	hashCached []byte
	hashDirty  bool
}

// New constructs a Queue backed by store, restoring live messages and
// tombstones from it.
func New(store Store, log *zap.SugaredLogger, cfg Config) (*Queue, error) {
	if store == nil {
		store = NopStore{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	priorityTTL := cfg.PriorityTTL
	if priorityTTL == (PriorityTTLTable{}) {
		priorityTTL = DefaultPriorityTTL()
	}
	q := &Queue{
		store:       store,
		log:         log,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		maxSize:     cfg.MaxSize,
		priorityTTL: priorityTTL,
		live:        make(map[string]*QueuedMessage),
		tombstones:  make(map[string]struct{}),
		hashDirty:   true,
	}

	msgs, err := store.LoadMessages()
	if err != nil {
		return nil, wrapIOErr(err)
	}
	for i := range msgs {
		m := msgs[i]
		q.live[m.ID] = &m
	}
	tombs, err := store.LoadTombstones()
	if err != nil {
		return nil, wrapIOErr(err)
	}
	for _, id := range tombs {
		q.tombstones[id] = struct{}{}
	}
	return q, nil
}

// TTLForPriority reports this Queue's configured TTL for p, respecting a
// custom priority_ttl_map if one was supplied to New.
func (q *Queue) TTLForPriority(p Priority) uint8 {
	return q.priorityTTL.TTLFor(p)
}

// Enqueue inserts a new message and returns its generated id. Non-urgent
// priorities fail with ErrQueueFull once the live set is at the configured
// MaxSize (spec.md §5's hard cap with backpressure); urgent priority is
// exempt, matching spec.md:219's "for non-urgent priority" qualifier.
func (q *Queue) Enqueue(chatID string, content []byte, sender, recipient string, priority Priority, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && priority != PriorityUrgent && len(q.live) >= q.maxSize {
		return "", ErrQueueFull
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	msgID := id.String()

	m := &QueuedMessage{
		ID:                msgID,
		ChatID:            chatID,
		Content:           content,
		Sender:            sender,
		Recipient:         recipient,
		Priority:          priority,
		Status:            StatusPending,
		CreatedAt:         time.Now(),
		RelayMetadata:     opts.RelayMetadata,
		OriginalMessageID: opts.OriginalMessageID,
		Persist:           opts.Persist,
		Attachments:       opts.Attachments,
		ReplyTo:           opts.ReplyTo,
	}
	q.live[msgID] = m
	q.hashDirty = true

	if m.Persist {
		if err := q.store.SaveMessage(*m); err != nil {
			return "", wrapIOErr(err)
		}
	}
	return msgID, nil
}

// Pending returns live messages ordered priority desc, then created_at asc.
func (q *Queue) Pending() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedMessage, 0, len(q.live))
	for _, m := range q.live {
		if m.Status == StatusDelivered {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ByStatus returns live messages with the given status, same ordering as
// Pending.
func (q *Queue) ByStatus(status Status) []QueuedMessage {
	all := q.Pending()
	out := make([]QueuedMessage, 0, len(all))
	for _, m := range all {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

// ByID looks up a single live message.
func (q *Queue) ByID(id string) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.live[id]
	if !ok {
		return QueuedMessage{}, q.resolveMissing(id)
	}
	return *m, nil
}

// MarkDelivered removes id from the live set.
func (q *Queue) MarkDelivered(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.live[id]
	if !ok {
		return q.resolveMissing(id)
	}
	delete(q.live, id)
	q.hashDirty = true
	if m.Persist {
		return wrapIOErr(q.store.DeleteMessage(id))
	}
	return nil
}

// MarkFailed increments attempts, sets status, and schedules the next
// attempt via exponential backoff: min(base*2^(attempts-1), max).
func (q *Queue) MarkFailed(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.live[id]
	if !ok {
		return q.resolveMissing(id)
	}
	m.Attempts++
	m.Status = StatusFailed
	m.FailReason = reason
	m.NextAttemptAt = time.Now().Add(q.backoff(m.Attempts))
	q.hashDirty = true
	if m.Persist {
		return wrapIOErr(q.store.SaveMessage(*m))
	}
	return nil
}

func (q *Queue) backoff(attempts uint32) time.Duration {
	d := q.baseBackoff
	for i := uint32(1); i < attempts; i++ {
		d *= 2
		if d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if d > q.maxBackoff {
		return q.maxBackoff
	}
	return d
}

// Remove deletes a live message outright (no tombstone).
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.live[id]
	if !ok {
		return q.resolveMissing(id)
	}
	delete(q.live, id)
	q.hashDirty = true
	if m.Persist {
		return wrapIOErr(q.store.DeleteMessage(id))
	}
	return nil
}

// RetryFailed resets every failed message back to pending, e.g. once a
// send window opens.
func (q *Queue) RetryFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.live {
		if m.Status == StatusFailed || m.Status == StatusRetrying {
			m.Status = StatusPending
		}
	}
}

// SetOnline records connectivity state; callers consult Online() before
// attempting delivery of pending messages.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

// Online reports the last SetOnline value.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// MarkDeleted removes a live message and inserts a tombstone in its place.
func (q *Queue) MarkDeleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.live[id]
	persist := ok && m.Persist
	delete(q.live, id)
	q.tombstones[id] = struct{}{}
	q.hashDirty = true

	if persist {
		if err := q.store.DeleteMessage(id); err != nil {
			return wrapIOErr(err)
		}
	}
	return wrapIOErr(q.store.SaveTombstone(id))
}

// QueueHash digests the sorted non-delivered live ids plus sorted
// tombstone ids. Cached; pass force=true to recompute unconditionally.
func (q *Queue) QueueHash(force bool) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !force && !q.hashDirty && q.hashCached != nil {
		return q.hashCached
	}

	ids := make([]string, 0, len(q.live)+len(q.tombstones))
	for id, m := range q.live {
		if m.Status != StatusDelivered {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	tombs := make([]string, 0, len(q.tombstones))
	for id := range q.tombstones {
		tombs = append(tombs, id)
	}
	sort.Strings(tombs)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
	}
	for _, id := range tombs {
		h.Write([]byte(id))
	}
	sum := h.Sum(nil)

	q.hashCached = sum
	q.hashDirty = false
	return sum
}

// LiveIDs returns all current non-delivered live message ids, sorted, for
// the sync manager's reconciliation (spec.md §4.11).
func (q *Queue) LiveIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.live))
	for id, m := range q.live {
		if m.Status != StatusDelivered {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// TombstoneIDs returns all current tombstone ids, for the sync manager.
func (q *Queue) TombstoneIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tombstones))
	for id := range q.tombstones {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
