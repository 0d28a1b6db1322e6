package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shouta0715/ripples-api/pkg/blob"
	"github.com/shouta0715/ripples-api/pkg/store"
)

// Manager maps room names to their coordinators, starting them on first
// use. Rooms stay resident until Close; a suspended room holds only its
// live connections.
type Manager struct {
	rooms map[string]*Room
	mu    sync.Mutex

	ctx    context.Context
	store  store.Store
	blobs  *blob.FS
	opts   Options
	logger *slog.Logger
}

func NewManager(ctx context.Context, st store.Store, blobs *blob.FS, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		ctx:    ctx,
		store:  st,
		blobs:  blobs,
		opts:   opts,
		logger: logger.With(slog.String("component", "room_manager")),
	}
}

// Get returns the room called name, starting it when needed.
func (m *Manager) Get(name string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[name]; ok {
		return r
	}
	r := newRoom(m.ctx, name, m.store, m.blobs, m.opts, m.logger)
	m.rooms[name] = r
	m.logger.Debug("Room started", slog.String("room", name), slog.Int("rooms", len(m.rooms)))
	return r
}

// Close stops every room and closes their connections.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close()
		}()
	}
	wg.Wait()
	m.logger.Info("All rooms stopped", slog.Int("count", len(rooms)))
}
