// Package mtamsg implements the Message type (C3): identity, metadata,
// body, headers, due-time, and scheduling constraints, with dirty-flag
// spooling grounded on the upstream message crate's Arc<Mutex<Inner>>
// shape, translated into a mutex-guarded Go struct.
package mtamsg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/kumogo/internal/spool"
)

// Flags tracks which halves of a Message have unsaved mutations.
type Flags uint8

const (
	MetaDirty Flags = 1 << iota
	DataDirty
)

// Address is an envelope mailbox + domain pair.
type Address struct {
	Mailbox string
	Domain  string
}

func (a Address) String() string {
	if a.Mailbox == "" && a.Domain == "" {
		return ""
	}
	return a.Mailbox + "@" + a.Domain
}

// ParseAddress splits "mailbox@domain" into an Address.
func ParseAddress(s string) Address {
	idx := strings.LastIndex(s, "@")
	if idx < 0 {
		return Address{Mailbox: s}
	}
	return Address{Mailbox: s[:idx], Domain: s[idx+1:]}
}

// ScheduleRestriction is a recurring window during which delivery attempts
// are permitted (see C5 / scheduling.rs upstream).
type ScheduleRestriction struct {
	DaysOfWeek uint8 // bitmask, bit0=Sunday .. bit6=Saturday
	StartSecs  int   // seconds since local midnight
	EndSecs    int
}

// Scheduling holds the optional restriction window and first-attempt/expiry
// bookkeeping named in §3.1.
type Scheduling struct {
	Restriction  *ScheduleRestriction
	FirstAttempt time.Time
	Expires      *time.Time
}

var (
	ErrMetaNotLoaded  = errors.New("mtamsg: metadata not loaded")
	ErrDataNotLoaded  = errors.New("mtamsg: data not loaded")
	ErrShrinkWhileDirty = errors.New("mtamsg: cannot shrink message with unsaved changes")
)

// Message is the mutable, mutex-guarded message record keyed by its
// immutable SpoolId.
type Message struct {
	id uuid.UUID

	mu sync.Mutex

	sender    Address
	recipient Address

	metaLoaded bool
	meta       map[string]interface{}

	bodyLoaded bool
	body       []byte
	headers    []header
	bodyTail   []byte // payload after the header block

	numAttempts uint16
	due         *time.Time
	scheduling  *Scheduling

	flags Flags
}

// NewDirty constructs a freshly-received Message, marking both metadata
// and body dirty (neither half has been spooled yet).
func NewDirty(sender, recipient Address, meta map[string]interface{}, body []byte) *Message {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	m := &Message{
		id:         newSpoolID(),
		sender:     sender,
		recipient:  recipient,
		meta:       meta,
		metaLoaded: true,
		bodyLoaded: true,
		flags:      MetaDirty | DataDirty,
	}
	m.headers, m.bodyTail = splitHeadersBody(body)
	m.body = body
	return m
}

// NewFromSpool constructs a Message shell for an id already present in the
// spool; neither half is loaded until LoadMeta/LoadData are called.
func NewFromSpool(id uuid.UUID) *Message {
	return &Message{id: id}
}

func newSpoolID() uuid.UUID {
	// A random (version 4) UUID: it carries no creation time and imposes
	// no ordering between ids.
	return uuid.New()
}

func (m *Message) ID() uuid.UUID { return m.id }

func (m *Message) Sender() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

func (m *Message) Recipient() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recipient
}

func (m *Message) NumAttempts() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numAttempts
}

func (m *Message) IncrementAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numAttempts++
}

// Due returns the message's due time, or nil if due immediately.
func (m *Message) Due() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due
}

// DelayBy sets due := now + d.
func (m *Message) DelayBy(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := time.Now().UTC().Add(d)
	m.due = &t
}

// SetDue sets an explicit due time, or marks due-immediately when t is nil.
func (m *Message) SetDue(t *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due = t
}

func (m *Message) Scheduling() *Scheduling {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduling
}

func (m *Message) SetScheduling(s *Scheduling) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduling = s
}

func (m *Message) Flags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// GetMeta returns meta[key] and whether it was present. Fails with
// ErrMetaNotLoaded if metadata hasn't been loaded or constructed yet.
func (m *Message) GetMeta(key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.metaLoaded {
		return nil, false, ErrMetaNotLoaded
	}
	v, ok := m.meta[key]
	return v, ok, nil
}

// SetMeta sets meta[key] = value and marks the metadata half dirty.
func (m *Message) SetMeta(key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.metaLoaded {
		return ErrMetaNotLoaded
	}
	m.meta[key] = value
	m.flags |= MetaDirty
	return nil
}

// QueueNameParts returns the components a queue name is derived from:
// meta["queue"] if present, plus meta["campaign"]/meta["tenant"]/the
// recipient's domain, per §3.2/§4.3.
// The caller formats the returned components (see internal/queuename).
func (m *Message) QueueNameParts() (metaQueue, campaign, tenant, recipientDomain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.meta["queue"].(string); ok {
		metaQueue = q
	}
	if c, ok := m.meta["campaign"].(string); ok {
		campaign = c
	}
	if t, ok := m.meta["tenant"].(string); ok {
		tenant = t
	}
	recipientDomain = strings.ToLower(m.recipient.Domain)
	return
}

// LoadMeta loads metadata from sp if not already loaded.
func (m *Message) LoadMeta(ctx context.Context, sp spool.Spool) error {
	m.mu.Lock()
	if m.metaLoaded {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	raw, err := sp.LoadMeta(ctx, m.id)
	if err != nil {
		return fmt.Errorf("load meta %s: %w", m.id, err)
	}
	var env struct {
		Sender      string                 `json:"sender"`
		Recipient   string                 `json:"recipient"`
		Meta        map[string]interface{} `json:"meta"`
		NumAttempts uint16                 `json:"num_attempts"`
		Due         *time.Time             `json:"due,omitempty"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode meta %s: %w", m.id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = ParseAddress(env.Sender)
	m.recipient = ParseAddress(env.Recipient)
	if env.Meta == nil {
		env.Meta = map[string]interface{}{}
	}
	m.meta = env.Meta
	m.numAttempts = env.NumAttempts
	m.due = env.Due
	m.metaLoaded = true
	return nil
}

// LoadData loads the RFC-5322 body from sp if not already loaded.
func (m *Message) LoadData(ctx context.Context, sp spool.Spool) error {
	m.mu.Lock()
	if m.bodyLoaded {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	raw, err := sp.LoadData(ctx, m.id)
	if err != nil {
		return fmt.Errorf("load data %s: %w", m.id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = raw
	m.headers, m.bodyTail = splitHeadersBody(raw)
	m.bodyLoaded = true
	return nil
}

// SaveTo writes only the dirty halves of the message to the given spools,
// in parallel, clearing the corresponding flag(s) on success.
func (m *Message) SaveTo(ctx context.Context, metaSpool, dataSpool spool.Spool) error {
	m.mu.Lock()
	flags := m.flags
	m.mu.Unlock()

	if flags == 0 {
		return nil
	}

	var metaErr, dataErr error
	var wg sync.WaitGroup

	if flags&MetaDirty != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metaErr = m.saveMeta(ctx, metaSpool)
		}()
	}
	if flags&DataDirty != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dataErr = m.saveData(ctx, dataSpool)
		}()
	}
	wg.Wait()

	if metaErr != nil {
		return metaErr
	}
	return dataErr
}

func (m *Message) saveMeta(ctx context.Context, sp spool.Spool) error {
	m.mu.Lock()
	env := struct {
		Sender      string                 `json:"sender"`
		Recipient   string                 `json:"recipient"`
		Meta        map[string]interface{} `json:"meta"`
		NumAttempts uint16                 `json:"num_attempts"`
		Due         *time.Time             `json:"due,omitempty"`
	}{
		Sender:      m.sender.String(),
		Recipient:   m.recipient.String(),
		Meta:        m.meta,
		NumAttempts: m.numAttempts,
		Due:         m.due,
	}
	m.mu.Unlock()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", m.id, err)
	}
	if err := sp.SaveMeta(ctx, m.id, raw); err != nil {
		return fmt.Errorf("save meta %s: %w", m.id, err)
	}
	m.mu.Lock()
	m.flags &^= MetaDirty
	m.mu.Unlock()
	return nil
}

func (m *Message) saveData(ctx context.Context, sp spool.Spool) error {
	m.mu.Lock()
	body := append([]byte{}, m.body...)
	m.mu.Unlock()

	if err := sp.SaveData(ctx, m.id, body); err != nil {
		return fmt.Errorf("save data %s: %w", m.id, err)
	}
	m.mu.Lock()
	m.flags &^= DataDirty
	m.mu.Unlock()
	return nil
}

// Shrink releases the in-memory body once persistence is clean; fails if
// either half still has unsaved mutations.
func (m *Message) Shrink() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags != 0 {
		return ErrShrinkWhileDirty
	}
	m.body = nil
	m.headers = nil
	m.bodyTail = nil
	m.bodyLoaded = false
	return nil
}

func (m *Message) rebuildBodyLocked() {
	m.body = joinMessage(m.headers, m.bodyTail)
}

// PrependHeader inserts name: value as the first header.
func (m *Message) PrependHeader(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := header{name: name, raw: newHeaderRaw(name, value)}
	m.headers = append([]header{h}, m.headers...)
	m.rebuildBodyLocked()
	m.flags |= DataDirty
}

// AppendHeader inserts name: value as the last header.
func (m *Message) AppendHeader(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := header{name: name, raw: newHeaderRaw(name, value)}
	m.headers = append(m.headers, h)
	m.rebuildBodyLocked()
	m.flags |= DataDirty
}

// RemoveHeader removes every header named name (case-insensitive).
func (m *Message) RemoveHeader(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.name, name) {
			out = append(out, h)
		}
	}
	m.headers = out
	m.rebuildBodyLocked()
	m.flags |= DataDirty
}

// RetainHeaders keeps only headers whose name is in names (case-insensitive).
func (m *Message) RetainHeaders(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[strings.ToLower(n)] = true
	}
	out := m.headers[:0]
	for _, h := range m.headers {
		if keep[strings.ToLower(h.name)] {
			out = append(out, h)
		}
	}
	m.headers = out
	m.rebuildBodyLocked()
	m.flags |= DataDirty
}

// FirstNamedHeader returns the value of the first header named name.
func (m *Message) FirstNamedHeader(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return h.value(), true
		}
	}
	return "", false
}

// AllNamedHeaders returns the values of every header named name, in order.
func (m *Message) AllNamedHeaders(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			out = append(out, h.value())
		}
	}
	return out
}

// Body returns the full RFC-5322 byte representation (headers + payload).
func (m *Message) Body() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.body...)
}

// BodyEqual reports whether the current body bytes equal other, ignoring
// trailing CRLF differences; used by tests and xfer verification (§8 scenario 2).
func (m *Message) BodyEqual(other []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Equal(bytes.TrimRight(m.body, "\r\n"), bytes.TrimRight(other, "\r\n"))
}
