package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/logging"
	sc "github.com/akosenkov/passvault/internal/server/config"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/akosenkov/passvault/internal/server/notify"
	"github.com/akosenkov/passvault/internal/server/repositories/devices"
	"github.com/akosenkov/passvault/internal/server/repositories/items"
	"github.com/akosenkov/passvault/internal/server/repositories/pairingsessions"
	"github.com/akosenkov/passvault/internal/server/repositories/syncruns"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// In-memory repository fakes mirroring the conditional-update semantics of
// the postgres implementations. All fakes are safe for concurrent use so the
// background run worker can exercise them.

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: map[string]*models.Device{}}
}

func (r *fakeDeviceRepo) Create(_ context.Context, d *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *fakeDeviceRepo) GetByID(_ context.Context, id string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeDeviceRepo) ListByUser(_ context.Context, userID string) ([]*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Device
	for _, d := range r.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeDeviceRepo) Delete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok || d.UserID != userID {
		return common.ErrorNotFound
	}
	delete(r.devices, id)
	return nil
}

func (r *fakeDeviceRepo) SetCode(_ context.Context, id, code string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return common.ErrorNotFound
	}
	d.VerificationCode = &code
	d.CodeExpiresAt = &expiresAt
	d.CodeAttempts = 0
	return nil
}

func (r *fakeDeviceRepo) IncrementAttempts(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return 0, common.ErrorNotFound
	}
	d.CodeAttempts++
	return d.CodeAttempts, nil
}

func (r *fakeDeviceRepo) ConsumeCode(_ context.Context, id, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return false, nil
	}
	if d.VerificationCode == nil || *d.VerificationCode != code {
		return false, nil
	}
	d.VerificationCode = nil
	d.CodeExpiresAt = nil
	d.CodeAttempts = 0
	d.Verified = true
	d.Trusted = true
	return true, nil
}

func (r *fakeDeviceRepo) TouchLastActive(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastActiveAt = at
	}
	return nil
}

func (r *fakeDeviceRepo) SetLastSynced(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSyncedAt = &at
	}
	return nil
}

type fakePairingRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.PairingSession

	// forceResolveGuardFail makes the next MarkResolved lose its guard, as
	// if a concurrent claim committed between the caller's read and write.
	forceResolveGuardFail bool
}

func newFakePairingRepo() *fakePairingRepo {
	return &fakePairingRepo{sessions: map[string]*models.PairingSession{}}
}

func copySession(s *models.PairingSession) *models.PairingSession {
	cp := *s
	cp.Payload = map[string]string{}
	for k, v := range s.Payload {
		cp.Payload[k] = v
	}
	if s.Resolution != nil {
		cp.Resolution = map[string]string{}
		for k, v := range s.Resolution {
			cp.Resolution[k] = v
		}
	}
	return &cp
}

func (r *fakePairingRepo) Create(_ context.Context, s *models.PairingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = copySession(s)
	return nil
}

func (r *fakePairingRepo) GetByID(_ context.Context, id string) (*models.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return copySession(s), nil
}

func (r *fakePairingRepo) MarkResolved(_ context.Context, id string, resolution map[string]string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.forceResolveGuardFail {
		r.forceResolveGuardFail = false
		return false, nil
	}
	s, ok := r.sessions[id]
	if !ok || s.Resolved || s.Cancelled || !s.ExpiresAt.After(now) {
		return false, nil
	}
	s.Resolved = true
	s.Resolution = map[string]string{}
	for k, v := range resolution {
		s.Resolution[k] = v
	}
	return true, nil
}

func (r *fakePairingRepo) MarkExpired(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Resolved || s.Cancelled || s.Expired || s.ExpiresAt.After(now) {
		return false, nil
	}
	s.Expired = true
	return true, nil
}

func (r *fakePairingRepo) MarkCancelled(_ context.Context, id, userID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.UserID != userID || s.Resolved || s.Cancelled || !s.ExpiresAt.After(now) {
		return false, nil
	}
	s.Cancelled = true
	return true, nil
}

func (r *fakePairingRepo) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[string]*models.SyncRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: map[string]*models.SyncRun{}}
}

func copyRun(r *models.SyncRun) *models.SyncRun {
	cp := *r
	cp.Counts = map[models.Category]int64{}
	for k, v := range r.Counts {
		cp.Counts[k] = v
	}
	cp.Conflicts = append([]models.Conflict(nil), r.Conflicts...)
	return &cp
}

func (r *fakeRunRepo) Create(_ context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *fakeRunRepo) GetByID(_ context.Context, id string) (*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return copyRun(run), nil
}

func (r *fakeRunRepo) ListByUser(_ context.Context, userID, deviceID string, limit int) ([]*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncRun
	for _, run := range r.runs {
		if run.UserID != userID {
			continue
		}
		if deviceID != "" && run.DeviceID != deviceID {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRunRepo) TransitionStatus(_ context.Context, id string, from, to models.RunStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.Status != from {
		return false, nil
	}
	run.Status = to
	return true, nil
}

func (r *fakeRunRepo) Finalize(_ context.Context, id string, to models.RunStatus, counts map[models.Category]int64,
	totalItems, totalBytes int64, completedAt time.Time, runErr *models.RunError) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.Status != models.RunInProgress || run.CompletedAt != nil {
		return false, nil
	}
	run.Status = to
	run.Counts = map[models.Category]int64{}
	for k, v := range counts {
		run.Counts[k] = v
	}
	run.TotalItems = totalItems
	run.TotalBytes = totalBytes
	run.CompletedAt = &completedAt
	run.Error = runErr
	return true, nil
}

func (r *fakeRunRepo) CancelPending(_ context.Context, id, userID string, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.UserID != userID {
		return false, nil
	}
	if run.Status != models.RunInitiated && run.Status != models.RunInProgress {
		return false, nil
	}
	run.Status = models.RunCancelled
	run.CompletedAt = &completedAt
	return true, nil
}

func (r *fakeRunRepo) InsertConflicts(_ context.Context, runID string, conflicts []models.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return common.ErrorNotFound
	}
	run.Conflicts = append(run.Conflicts, conflicts...)
	return nil
}

func (r *fakeRunRepo) ResolveConflict(_ context.Context, runID string, idx int, resolution models.Resolution, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || idx < 0 || idx >= len(run.Conflicts) {
		return false, nil
	}
	c := &run.Conflicts[idx]
	if c.Resolution != nil {
		return false, nil
	}
	c.Resolution = &resolution
	c.ResolvedAt = &at
	return true, nil
}

type fakeItemRepo struct {
	mu     sync.Mutex
	items  []*models.VaultItem
	states map[string]map[string]models.DeviceItemState // deviceID → itemID → state
}

func newFakeItemRepo() *fakeItemRepo {
	return &fakeItemRepo{states: map[string]map[string]models.DeviceItemState{}}
}

func (r *fakeItemRepo) Create(_ context.Context, item *models.VaultItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *item
	r.items = append(r.items, &cp)
	return nil
}

func (r *fakeItemRepo) ListByUserCategory(_ context.Context, userID string, category models.Category) ([]*models.VaultItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.VaultItem
	for _, it := range r.items {
		if it.UserID == userID && it.Category == category {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeItemRepo) DeviceStates(_ context.Context, deviceID string) (map[string]models.DeviceItemState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]models.DeviceItemState{}
	for id, st := range r.states[deviceID] {
		out[id] = st
	}
	return out, nil
}

func (r *fakeItemRepo) UpsertState(_ context.Context, st *models.DeviceItemState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[st.DeviceID] == nil {
		r.states[st.DeviceID] = map[string]models.DeviceItemState{}
	}
	r.states[st.DeviceID][st.ItemID] = *st
	return nil
}

type fakeRepoManager struct {
	devices  *fakeDeviceRepo
	sessions *fakePairingRepo
	runs     *fakeRunRepo
	items    *fakeItemRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *fakeRepoManager) Devices(dbx.DBTX) devices.Repository                 { return m.devices }
func (m *fakeRepoManager) PairingSessions(dbx.DBTX) pairingsessions.Repository { return m.sessions }
func (m *fakeRepoManager) SyncRuns(dbx.DBTX) syncruns.Repository               { return m.runs }
func (m *fakeRepoManager) Items(dbx.DBTX) items.Repository                     { return m.items }

type fakeDispatcher struct {
	mu    sync.Mutex
	sent  []notify.TemplateKind
	data  []map[string]string
	errOn bool
	ch    chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan struct{}, 16)}
}

func (d *fakeDispatcher) Send(_ context.Context, _ string, kind notify.TemplateKind, data map[string]string) error {
	d.mu.Lock()
	d.sent = append(d.sent, kind)
	d.data = append(d.data, data)
	errOn := d.errOn
	d.mu.Unlock()
	d.ch <- struct{}{}
	if errOn {
		return fmt.Errorf("smtp unavailable")
	}
	return nil
}

func (d *fakeDispatcher) waitOne(t *testing.T) map[string]string {
	t.Helper()
	select {
	case <-d.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch within deadline")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data[len(d.data)-1]
}

type fakePresigner struct {
	mu        sync.Mutex
	calls     int
	failTimes int
}

func (p *fakePresigner) PresignGet(_ context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failTimes > 0 {
		p.failTimes--
		return "", fmt.Errorf("presign throttled")
	}
	return "https://blobs.local/" + key, nil
}

type env struct {
	t          *testing.T
	db         *sql.DB
	mock       sqlmock.Sqlmock
	devices    *fakeDeviceRepo
	sessions   *fakePairingRepo
	runs       *fakeRunRepo
	items      *fakeItemRepo
	rm         *fakeRepoManager
	clock      *clock.Mock
	cfg        *sc.Config
	logger     logging.Logger
	dispatcher *fakeDispatcher
	presigner  *fakePresigner
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	cfg := &sc.Config{}
	cfg.LoadDefaults()

	e := &env{
		t:          t,
		db:         db,
		mock:       mock,
		devices:    newFakeDeviceRepo(),
		sessions:   newFakePairingRepo(),
		runs:       newFakeRunRepo(),
		items:      newFakeItemRepo(),
		clock:      clk,
		cfg:        cfg,
		logger:     logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		dispatcher: newFakeDispatcher(),
		presigner:  &fakePresigner{},
	}
	e.rm = &fakeRepoManager{devices: e.devices, sessions: e.sessions, runs: e.runs, items: e.items}
	return e
}

func (e *env) addDevice(d *models.Device) {
	require.NoError(e.t, e.devices.Create(context.Background(), d))
}

func verifiedDevice(id, userID string) *models.Device {
	return &models.Device{
		ID:       id,
		UserID:   userID,
		Name:     "Pixel 9",
		Class:    models.DeviceClassPhone,
		Trusted:  true,
		Verified: true,
		SyncCategories: models.SyncCategories{
			Passwords: true, Documents: true, Settings: true, Notes: true,
		},
		SyncEnabled: true,
	}
}
