// Package decision implements the shared, append-only decision log.
//
// Every entry is its own immutable record, decisions/<sequence>.json. Append
// claims the next sequence number with an exclusive create and moves on to
// the following number when another writer got there first, so concurrent
// appends never overwrite or lose one another and existing entries are never
// rewritten. Ordering is by sequence, never by wall clock.
package decision

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/storage"
)

const (
	recordPrefix = "decisions/"
	seqWidth     = 12

	// maxAppendAttempts bounds how many taken sequence numbers Append skips
	// before giving up.
	maxAppendAttempts = 64
)

// Status is the lifecycle state a decision is recorded with.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ValidStatuses returns the accepted status values.
func ValidStatuses() []Status {
	return []Status{StatusProposed, StatusAccepted, StatusCompleted, StatusFailed}
}

// ParseStatus validates s. An empty string yields StatusAccepted.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusAccepted, nil
	}
	for _, st := range ValidStatuses() {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", errors.NewValidationError("invalid decision status").WithField("status").WithValue(s)
}

// Author identifies who appended an entry.
type Author struct {
	InstanceID string `json:"instance_id"`
	Role       string `json:"role"`
}

// Impact describes what a decision affects.
type Impact struct {
	Scope      string   `json:"scope,omitempty"`
	Downstream []string `json:"downstream,omitempty"`
}

// Entry is one immutable decision record.
type Entry struct {
	DecisionID  string    `json:"decision_id"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	MadeBy      Author    `json:"made_by"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Impact      Impact    `json:"impact"`
}

// AppendRequest is the content of a new entry.
type AppendRequest struct {
	InstanceID  string
	Role        string
	Category    string
	Title       string
	Description string
	Status      Status
	Impact      Impact
}

// Query filters Iter and Query.
type Query struct {
	// Category matches case-insensitively; empty matches all.
	Category string
	// Limit caps the number of entries; zero or negative means no cap.
	Limit int
}

// Log reads and appends decision entries.
type Log struct {
	store  storage.Backend
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithLogger sets the log's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger.WithComponent("decision")
		}
	}
}

// New creates a Log over store.
func New(store storage.Backend, opts ...Option) *Log {
	l := &Log{
		store:  store,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a new decision and returns it with its assigned id.
func (l *Log) Append(ctx context.Context, req AppendRequest) (Entry, error) {
	if err := validate(req); err != nil {
		return Entry{}, err
	}
	status, err := ParseStatus(string(req.Status))
	if err != nil {
		return Entry{}, err
	}

	seq, err := l.lastSequence(ctx)
	if err != nil {
		return Entry{}, err
	}

	now := l.now()
	entry := Entry{
		Timestamp:   now,
		MadeBy:      Author{InstanceID: req.InstanceID, Role: req.Role},
		Category:    strings.TrimSpace(req.Category),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      status,
		Impact:      req.Impact,
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		seq++
		entry.Sequence = seq
		entry.DecisionID = FormatID(now, seq)

		err := storage.CreateJSON(ctx, l.store, recordKey(seq), entry)
		if err == nil {
			l.logger.Info("decision appended",
				"decision_id", entry.DecisionID,
				"category", entry.Category,
				"instance_id", entry.MadeBy.InstanceID,
			)
			return entry, nil
		}
		if err != storage.ErrExists {
			return Entry{}, err
		}
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
	}
	return Entry{}, errors.NewStorageError(
		fmt.Sprintf("no free sequence after %d attempts", maxAppendAttempts), nil,
	).WithKey(recordPrefix).WithRetryable(true)
}

func validate(req AppendRequest) error {
	if strings.TrimSpace(req.Category) == "" {
		return errors.NewValidationError("category cannot be empty").WithField("category")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errors.NewValidationError("title cannot be empty").WithField("title")
	}
	return nil
}

// Iter yields matching entries newest first. Each range over the returned
// sequence re-reads the log, so it can be iterated again. Iteration stops at
// the first unreadable entry, which is yielded as an error wrapping
// errors.ErrCorruptLog. Entries are never removed, so a missing sequence
// number fails the iteration before anything is yielded.
func (l *Log) Iter(ctx context.Context, q Query) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		seqs, err := l.contiguousSequences(ctx)
		if err != nil {
			yield(Entry{}, err)
			return
		}

		emitted := 0
		for i := len(seqs) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			entry, err := l.load(ctx, seqs[i])
			if err == storage.ErrNotFound {
				err = missingEntry(seqs[i])
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if q.Category != "" && !strings.EqualFold(entry.Category, q.Category) {
				continue
			}
			if !yield(entry, nil) {
				return
			}
			emitted++
			if q.Limit > 0 && emitted >= q.Limit {
				return
			}
		}
	}
}

// Query returns matching entries newest first. If any entry is unreadable it
// fails with errors.ErrCorruptLog and returns no partial result.
func (l *Log) Query(ctx context.Context, q Query) ([]Entry, error) {
	var entries []Entry
	for entry, err := range l.Iter(ctx, q) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Get returns the entry with the given decision id.
func (l *Log) Get(ctx context.Context, id string) (Entry, bool, error) {
	seq, err := ParseID(id)
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := l.load(ctx, seq)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if entry.DecisionID != id {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Len returns the number of entries in the log.
func (l *Log) Len(ctx context.Context) (int, error) {
	seqs, err := l.sequences(ctx)
	return len(seqs), err
}

func (l *Log) lastSequence(ctx context.Context) (int64, error) {
	seqs, err := l.sequences(ctx)
	if err != nil || len(seqs) == 0 {
		return 0, err
	}
	return seqs[len(seqs)-1], nil
}

// sequences returns the stored sequence numbers in ascending order.
func (l *Log) sequences(ctx context.Context) ([]int64, error) {
	keys, err := l.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, errors.NewStorageError("list decisions", err).WithKey(recordPrefix)
	}

	seqs := make([]int64, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, recordPrefix)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil || len(name) != seqWidth+len(".json") {
			return nil, errors.NewStorageError("unexpected record in decision log", errors.ErrCorruptLog).WithKey(key)
		}
		seqs = append(seqs, seq)
	}
	// Zero-padded keys already list in numeric order.
	return seqs, nil
}

// contiguousSequences returns sequences 1..n, failing with ErrCorruptLog if
// any number is missing. A listing can race a concurrent append, so a gap is
// confirmed with a second listing before it is reported.
func (l *Log) contiguousSequences(ctx context.Context) ([]int64, error) {
	seqs, err := l.sequences(ctx)
	if err != nil || firstGap(seqs) == 0 {
		return seqs, err
	}
	if seqs, err = l.sequences(ctx); err != nil {
		return nil, err
	}
	if missing := firstGap(seqs); missing != 0 {
		return nil, missingEntry(missing)
	}
	return seqs, nil
}

// firstGap returns the lowest sequence number absent from seqs, or 0.
func firstGap(seqs []int64) int64 {
	for i, seq := range seqs {
		if want := int64(i) + 1; seq != want {
			return want
		}
	}
	return 0
}

func missingEntry(seq int64) error {
	return errors.NewStorageError(fmt.Sprintf("decision %d is missing", seq), errors.ErrCorruptLog).WithKey(recordKey(seq))
}

func (l *Log) load(ctx context.Context, seq int64) (Entry, error) {
	key := recordKey(seq)
	var entry Entry
	if err := storage.GetJSON(ctx, l.store, key, &entry); err != nil {
		if err == storage.ErrNotFound {
			return Entry{}, err
		}
		if errors.Is(err, errors.ErrCorruptRecord) {
			return Entry{}, errors.NewStorageError("unreadable decision entry", fmt.Errorf("%w: %v", errors.ErrCorruptLog, err)).WithKey(key)
		}
		return Entry{}, err
	}
	if entry.Sequence != seq {
		return Entry{}, errors.NewStorageError(
			fmt.Sprintf("entry claims sequence %d", entry.Sequence), errors.ErrCorruptLog,
		).WithKey(key)
	}
	return entry, nil
}

// FormatID builds a decision id from the append date and sequence.
func FormatID(t time.Time, seq int64) string {
	return fmt.Sprintf("%s-%06d", t.UTC().Format("20060102"), seq)
}

// ParseID extracts the sequence number from a decision id.
func ParseID(id string) (int64, error) {
	date, seqStr, ok := strings.Cut(id, "-")
	if !ok || len(date) != 8 {
		return 0, errors.NewValidationError("malformed decision id").WithField("decision_id").WithValue(id)
	}
	if _, err := time.Parse("20060102", date); err != nil {
		return 0, errors.NewValidationError("malformed decision id").WithField("decision_id").WithValue(id)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq <= 0 {
		return 0, errors.NewValidationError("malformed decision id").WithField("decision_id").WithValue(id)
	}
	return seq, nil
}

func recordKey(seq int64) string {
	return fmt.Sprintf("%s%0*d.json", recordPrefix, seqWidth, seq)
}
