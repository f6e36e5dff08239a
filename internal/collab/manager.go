package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/formsync/formsync/pkg/logger"
	"github.com/formsync/formsync/pkg/metrics"

	apperrors "github.com/formsync/formsync/pkg/errors"
)

const (
	defaultLockTimeout = 15 * time.Second
	shutdownFlushLimit = 8
)

// Config wires a Manager. Rooms, Locks and Cache default to the in-memory
// implementations.
type Config struct {
	Transport Transport
	Responses ResponseStore
	// Labels defaults to Responses when it also implements LabelSource.
	Labels LabelSource

	Rooms RoomRegistry
	Locks LockTable
	Cache ResponseCache

	LockTimeout     time.Duration
	FlushDelay      time.Duration
	FlushTimeout    time.Duration
	ActivityHistory int

	// StorageName and CacheStatus are reported to clients in pong events.
	StorageName string
	CacheStatus func() bool

	Now func() time.Time
}

// Manager is the only component that mutates collaboration state. Events
// for one form are serialised; different forms proceed in parallel.
type Manager struct {
	transport Transport
	responses ResponseStore
	labels    LabelSource

	rooms    RoomRegistry
	locks    LockTable
	cache    ResponseCache
	writer   *Writer
	activity *activityLog

	forms      *keyedLock
	lockTimers *Timers

	lockTimeout  time.Duration
	flushTimeout time.Duration
	storage      string
	cacheStatus  func() bool
	now          func() time.Time

	seq       atomic.Uint64
	closeOnce sync.Once
	log       *zap.Logger
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("collab: transport is required")
	}
	if cfg.Responses == nil {
		return nil, errors.New("collab: response store is required")
	}

	labels := cfg.Labels
	if labels == nil {
		labels, _ = cfg.Responses.(LabelSource)
	}
	if cfg.Rooms == nil {
		cfg.Rooms = NewRoomRegistry()
	}
	if cfg.Locks == nil {
		cfg.Locks = NewLockTable()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewResponseCache()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.StorageName == "" {
		cfg.StorageName = "memory"
	}
	if cfg.CacheStatus == nil {
		cfg.CacheStatus = func() bool { return true }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		transport:    cfg.Transport,
		responses:    cfg.Responses,
		labels:       labels,
		rooms:        cfg.Rooms,
		locks:        cfg.Locks,
		cache:        cfg.Cache,
		activity:     newActivityLog(cfg.ActivityHistory),
		forms:        newKeyedLock(),
		lockTimers:   NewTimers(),
		lockTimeout:  cfg.LockTimeout,
		flushTimeout: cfg.FlushTimeout,
		storage:      cfg.StorageName,
		cacheStatus:  cfg.CacheStatus,
		now:          cfg.Now,
		log:          logger.WithModule("collab"),
	}

	writer, err := NewWriter(cfg.Responses, cfg.Cache, WriterOptions{
		Delay:      cfg.FlushDelay,
		Timeout:    cfg.FlushTimeout,
		AfterFlush: m.evictIfIdle,
	})
	if err != nil {
		return nil, err
	}
	m.writer = writer

	return m, nil
}

// Join adds the connection to the form's room and pushes the current state
// to it once loaded.
func (m *Manager) Join(connID string, req JoinFormRequest) {
	role := req.Role
	if role == "" {
		role = RoleUser
	}
	participant := Participant{
		ConnectionID: connID,
		UserID:       req.UserID,
		UserName:     req.UserName,
		Role:         role,
		JoinedAt:     m.now(),
	}

	unlock := m.forms.Lock(req.FormID)
	members := m.rooms.Join(req.FormID, participant)
	m.transport.JoinRoom(connID, req.FormID)
	m.cache.Ensure(req.FormID)

	m.transport.Broadcast(req.FormID, EventUserJoined, UserJoinedPayload{
		Users:   members,
		NewUser: participant.Ref(),
	}, "")
	m.recordLocked(ActivityEvent{
		FormID:   req.FormID,
		Message:  "joined the form",
		UserName: req.UserName,
		Type:     ActivityUserJoined,
	})
	m.observe()
	unlock()

	m.log.Info("participant joined",
		zap.String("form_id", req.FormID),
		zap.String("user_id", req.UserID),
		zap.String("connection_id", connID),
		zap.Int("participants", len(members)))

	go m.syncState(req.FormID, connID)
}

// syncState sends form_state to one connection, loading the durable copy
// on first use. The snapshot and the send happen under the form lock so no
// field_update can be queued between them.
func (m *Manager) syncState(formID, connID string) {
	if m.sendCachedState(formID, connID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.flushTimeout)
	defer cancel()

	base, _, err := m.responses.GetResponse(ctx, formID)
	if err != nil {
		m.log.Warn("failed to load form state", zap.String("form_id", formID), zap.Error(err))
	}

	unlock := m.forms.Lock(formID)
	defer unlock()

	var data map[string]any
	if err == nil {
		if snap, ok := m.cache.Hydrate(formID, base); ok {
			data = snap.Data
		} else {
			data = base
		}
	} else {
		data, _ = m.cache.Get(formID)
	}
	m.sendState(formID, connID, data)
}

func (m *Manager) sendCachedState(formID, connID string) bool {
	unlock := m.forms.Lock(formID)
	defer unlock()

	snap, ok := m.cache.Snapshot(formID)
	if !ok || !snap.Hydrated {
		return false
	}
	m.sendState(formID, connID, snap.Data)
	return true
}

func (m *Manager) sendState(formID, connID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	m.transport.Send(connID, EventFormState, FormStatePayload{FormID: formID, Response: data})
}

// Lock gives the field to the requester, replacing any current holder, and
// arms the expiry timer.
func (m *Manager) Lock(ctx context.Context, connID string, req FieldLockRequest) {
	unlock := m.forms.Lock(req.FormID)
	lock, previous := m.locks.Acquire(req.FormID, req.FieldID, LockHolder{
		UserID:       req.UserID,
		UserName:     req.UserName,
		ConnectionID: connID,
	}, m.now())

	m.transport.Broadcast(req.FormID, EventFieldLocked, FieldLockedPayload{
		FieldID:  req.FieldID,
		LockedBy: UserRef{UserID: req.UserID, UserName: req.UserName},
	}, connID)

	token := lock.Token
	m.lockTimers.Schedule(lockKey(req.FormID, req.FieldID), m.lockTimeout, func() {
		m.expireLock(req.FormID, req.FieldID, token)
	})
	m.observe()
	unlock()

	if previous != nil && previous.ConnectionID != connID {
		m.log.Debug("field lock taken over",
			zap.String("form_id", req.FormID),
			zap.String("field_id", req.FieldID),
			zap.String("previous_user_id", previous.HolderUserID),
			zap.String("user_id", req.UserID))
	}

	label := m.resolveLabel(ctx, req.FieldID)

	unlock = m.forms.Lock(req.FormID)
	m.recordLocked(ActivityEvent{
		FormID:    req.FormID,
		Message:   "started editing field",
		UserName:  req.UserName,
		FieldName: label,
		Type:      ActivityFieldLock,
	})
	unlock()
}

// Unlock releases the field if connID holds it. Anything else is a no-op.
func (m *Manager) Unlock(connID string, req FieldUnlockRequest) {
	unlock := m.forms.Lock(req.FormID)
	defer unlock()

	if !m.locks.Release(req.FormID, req.FieldID, connID) {
		return
	}
	m.lockTimers.Cancel(lockKey(req.FormID, req.FieldID))
	m.transport.Broadcast(req.FormID, EventFieldUnlocked, FieldUnlockedPayload{FieldID: req.FieldID}, "")
	m.observe()
}

func (m *Manager) expireLock(formID, fieldID string, token uint64) {
	unlock := m.forms.Lock(formID)
	defer unlock()

	lock, ok := m.locks.Expire(formID, fieldID, token)
	if !ok {
		return
	}
	metrics.LockExpirations.Inc()
	m.transport.Broadcast(formID, EventFieldUnlocked, FieldUnlockedPayload{FieldID: fieldID}, "")
	m.observe()

	m.log.Debug("field lock expired",
		zap.String("form_id", formID),
		zap.String("field_id", fieldID),
		zap.String("user_id", lock.HolderUserID))
}

// Commit relays a field value to the room and records it for the debounced
// write. The field lock is released as part of the same step. It never waits on the durable store.
// The label is resolved before the form lock is taken, so relay and cache
// update are one step: a participant joining concurrently either gets the
// value in form_state or receives the field_update.
func (m *Manager) Commit(ctx context.Context, connID string, req FieldChangeRequest) {
	label := m.resolveLabel(ctx, req.FieldID)

	unlock := m.forms.Lock(req.FormID)
	defer unlock()

	seq := m.seq.Add(1)
	m.transport.Broadcast(req.FormID, EventFieldUpdate, FieldUpdatePayload{
		FieldID: req.FieldID,
		Value:   req.Value,
	}, connID)

	m.locks.ForceRelease(req.FormID, req.FieldID)
	m.lockTimers.Cancel(lockKey(req.FormID, req.FieldID))
	m.transport.Broadcast(req.FormID, EventFieldUnlocked, FieldUnlockedPayload{FieldID: req.FieldID}, "")

	// A commit arriving after its room closed recreates an unhydrated
	// entry; the writer merges it into the stored copy and evicts it again.
	if _, applied := m.cache.Update(req.FormID, label, req.Value, seq); applied {
		m.writer.Schedule(req.FormID)
	}
	m.recordLocked(ActivityEvent{
		FormID:    req.FormID,
		Message:   "updated field",
		UserName:  req.UserName,
		FieldName: label,
		Type:      ActivityFieldUpdate,
	})
	m.observe()
}

// Leave removes the connection from one room.
func (m *Manager) Leave(connID string, req LeaveFormRequest) {
	m.leaveRoom(req.FormID, connID)
}

// Disconnect removes the connection from every room it joined and releases
// every lock it holds. Calling it again is a no-op.
func (m *Manager) Disconnect(connID string) {
	forms := make(map[string]struct{})
	for _, formID := range m.rooms.RoomsOf(connID) {
		forms[formID] = struct{}{}
	}
	for _, formID := range m.locks.FormsHeldBy(connID) {
		forms[formID] = struct{}{}
	}

	for formID := range forms {
		m.leaveRoom(formID, connID)
	}
}

func (m *Manager) leaveRoom(formID, connID string) {
	unlock := m.forms.Lock(formID)
	defer unlock()

	for _, lock := range m.locks.ReleaseHeldBy(formID, connID) {
		m.lockTimers.Cancel(lockKey(formID, lock.FieldID))
		m.transport.Broadcast(formID, EventFieldUnlocked, FieldUnlockedPayload{FieldID: lock.FieldID}, "")
	}

	result := m.rooms.Leave(formID, connID)
	m.transport.LeaveRoom(connID, formID)

	if result.Removed {
		m.transport.Broadcast(formID, EventUserLeft, UserLeftPayload{
			Users:    result.Members,
			LeftUser: result.Left.Ref(),
		}, "")
		m.recordLocked(ActivityEvent{
			FormID:   formID,
			Message:  "left the form",
			UserName: result.Left.UserName,
			Type:     ActivityUserLeft,
		})
		m.log.Info("participant left",
			zap.String("form_id", formID),
			zap.String("user_id", result.Left.UserID),
			zap.String("connection_id", connID),
			zap.Int("participants", len(result.Members)))
	}

	if result.Empty {
		m.closeRoomLocked(formID)
	}
	m.observe()
}

// closeRoomLocked writes the room's response with a bounded wait and drops
// its state. On a failed write the cache entry stays until the retry
// succeeds.
func (m *Manager) closeRoomLocked(formID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.flushTimeout)
	defer cancel()

	if err := m.writer.FlushNow(ctx, formID, TriggerForced); err != nil {
		m.log.Warn("room closed with unsaved response, keeping it for retry",
			zap.String("form_id", formID), zap.Error(err))
	} else {
		m.cache.Evict(formID)
		m.writer.Forget(formID)
	}

	m.locks.Clear(formID)
	m.lockTimers.CancelPrefix(lockKey(formID, ""))
	m.activity.drop(formID)
}

// evictIfIdle drops a cached response once it is saved and nobody is in
// the room.
func (m *Manager) evictIfIdle(formID string) {
	unlock := m.forms.Lock(formID)
	defer unlock()

	if m.rooms.Has(formID) || !m.writer.Clean(formID) {
		return
	}
	if m.cache.Evict(formID) {
		m.writer.Forget(formID)
		m.observe()
	}
}

// Ping answers with the counters of the requested form, or engine-wide
// totals when no form is named.
func (m *Manager) Ping(connID string, req PingRequest) {
	var users, locks int
	if req.FormID == "" {
		_, users = m.rooms.Counts()
		locks = m.locks.Count()
	} else {
		users = len(m.rooms.Members(req.FormID))
		locks = len(m.locks.List(req.FormID))
	}

	m.transport.Send(connID, EventPong, PongPayload{
		Timestamp:   m.now().UnixMilli(),
		ActiveUsers: users,
		ActiveLocks: locks,
		CacheStatus: m.cacheStatus(),
		Storage:     m.storage,
	})
}

// Stats returns a point-in-time summary of the engine.
func (m *Manager) Stats() Stats {
	rooms, participants := m.rooms.Counts()
	return Stats{
		Rooms:          rooms,
		Participants:   participants,
		Locks:          m.locks.Count(),
		CachedForms:    m.cache.Len(),
		PendingFlushes: m.writer.Pending(),
		FailingFlushes: m.writer.Failing(),
	}
}

// Presence returns members and held locks of an open room.
func (m *Manager) Presence(formID string) (Presence, bool) {
	if !m.rooms.Has(formID) {
		return Presence{}, false
	}
	return Presence{
		FormID: formID,
		Users:  m.rooms.Members(formID),
		Locks:  m.locks.List(formID),
	}, true
}

// Activity returns the recent activity of an open room, newest first.
func (m *Manager) Activity(formID string) ([]ActivityEvent, bool) {
	if !m.rooms.Has(formID) {
		return nil, false
	}
	return m.activity.recent(formID), true
}

// FlushForm writes a cached response immediately.
func (m *Manager) FlushForm(ctx context.Context, formID string) error {
	if !m.cache.Has(formID) {
		return apperrors.ErrFormNotFound
	}
	return m.writer.FlushNow(ctx, formID, TriggerForced)
}

// FlushAll writes every cached response in parallel and returns all
// failures combined.
func (m *Manager) FlushAll(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownFlushLimit)
	for _, formID := range m.cache.FormIDs() {
		g.Go(func() error {
			if err := m.writer.FlushNow(gctx, formID, TriggerShutdown); err != nil {
				mu.Lock()
				result = multierr.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// Close stops every timer. Call FlushAll first to keep pending edits.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.lockTimers.Stop()
		m.writer.Stop()
	})
}

func (m *Manager) recordLocked(event ActivityEvent) {
	if !m.rooms.Has(event.FormID) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.activity.record(event)
	m.transport.Broadcast(event.FormID, EventActivityLog, event, "")
}

func (m *Manager) resolveLabel(ctx context.Context, fieldID string) string {
	if m.labels == nil {
		return UnknownFieldLabel
	}

	label, ok, err := m.labels.GetFieldLabel(ctx, fieldID)
	if err != nil {
		m.log.Warn("failed to resolve field label", zap.String("field_id", fieldID), zap.Error(err))
		return UnknownFieldLabel
	}
	if !ok || label == "" {
		return UnknownFieldLabel
	}
	return label
}

func (m *Manager) observe() {
	rooms, participants := m.rooms.Counts()
	metrics.ActiveRooms.Set(float64(rooms))
	metrics.ActiveParticipants.Set(float64(participants))
	metrics.ActiveLocks.Set(float64(m.locks.Count()))
	metrics.CachedResponses.Set(float64(m.cache.Len()))
}

func lockKey(formID, fieldID string) string {
	return formID + "\x00" + fieldID
}
