package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

type roomData struct {
	attachments []Attachment
	customs     []Record
}

// Memory keeps everything in process. Suspended rooms rehydrate from it;
// a restart loses it.
type Memory struct {
	rooms map[string]*roomData
	mu    sync.RWMutex

	logger *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		rooms:  make(map[string]*roomData),
		logger: logger.With(slog.String("component", "store_memory")),
	}
}

// compile-time check to ensure Memory implements Store.
var _ Store = (*Memory)(nil)

func (m *Memory) room(name string) *roomData {
	r, ok := m.rooms[name]
	if !ok {
		r = &roomData{}
		m.rooms[name] = r
	}
	return r
}

// --- Attachments ---

func (m *Memory) SaveAttachment(_ context.Context, room string, a Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.State = slices.Clone(a.State)
	r := m.room(room)
	if i := slices.IndexFunc(r.attachments, func(x Attachment) bool { return x.ConnID == a.ConnID }); i >= 0 {
		r.attachments[i] = a
		return nil
	}
	r.attachments = append(r.attachments, a)
	m.logger.Debug("Attachment created", slog.String("room", room), slog.String("connID", a.ConnID))
	return nil
}

func (m *Memory) DeleteAttachment(_ context.Context, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok {
		return nil
	}
	r.attachments = slices.DeleteFunc(r.attachments, func(x Attachment) bool { return x.ConnID == connID })
	m.dropIfEmpty(room, r)
	return nil
}

func (m *Memory) LoadAttachments(_ context.Context, room string) ([]Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[room]
	if !ok {
		return nil, nil
	}
	out := make([]Attachment, len(r.attachments))
	for i, a := range r.attachments {
		a.State = slices.Clone(a.State)
		out[i] = a
	}
	return out, nil
}

// --- Custom fields ---

func (m *Memory) PutCustom(_ context.Context, room, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{Key: key, Value: slices.Clone(value)}
	r := m.room(room)
	if i := slices.IndexFunc(r.customs, func(x Record) bool { return x.Key == key }); i >= 0 {
		r.customs[i] = rec
		return nil
	}
	r.customs = append(r.customs, rec)
	return nil
}

func (m *Memory) DeleteCustom(_ context.Context, room, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok {
		return nil
	}
	r.customs = slices.DeleteFunc(r.customs, func(x Record) bool { return x.Key == key })
	m.dropIfEmpty(room, r)
	return nil
}

func (m *Memory) ListCustoms(_ context.Context, room string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[room]
	if !ok {
		return nil, nil
	}
	out := make([]Record, len(r.customs))
	for i, rec := range r.customs {
		rec.Value = slices.Clone(rec.Value)
		out[i] = rec
	}
	return out, nil
}

// dropIfEmpty removes an empty room. Caller holds mu.
func (m *Memory) dropIfEmpty(name string, r *roomData) {
	if len(r.attachments) == 0 && len(r.customs) == 0 {
		delete(m.rooms, name)
		m.logger.Debug("Removed empty room", slog.String("room", name))
	}
}

func (m *Memory) Close() error { return nil }
