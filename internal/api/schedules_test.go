package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/repositories"
)

type stubScheduleRepo struct {
	repositories.ScheduleRepository

	schedules map[uuid.UUID]*db.BackupSchedule
	updated   *db.BackupSchedule
}

func newStubScheduleRepo(schedules ...*db.BackupSchedule) *stubScheduleRepo {
	s := &stubScheduleRepo{schedules: map[uuid.UUID]*db.BackupSchedule{}}
	for _, sched := range schedules {
		s.schedules[sched.ID] = sched
	}
	return s
}

func (s *stubScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error) {
	sched, ok := s.schedules[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *sched
	return &copied, nil
}

func (s *stubScheduleRepo) Update(ctx context.Context, schedule *db.BackupSchedule) error {
	copied := *schedule
	s.updated = &copied
	s.schedules[schedule.ID] = &copied
	return nil
}

func patchSchedule(t *testing.T, h *ScheduleHandler, id uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Patch("/schedules/{id}", h.Update)

	req := httptest.NewRequest(http.MethodPatch, "/schedules/"+id.String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestUpdateScheduleDisableClearsWatermark(t *testing.T) {
	now := time.Now().UTC()
	sched := &db.BackupSchedule{
		Name:            "nightly",
		Enabled:         true,
		Devices:         db.StringList{"r1"},
		IntervalMinutes: 60,
		NextRunAt:       &now,
	}
	sched.ID = uuid.Must(uuid.NewV7())
	repo := newStubScheduleRepo(sched)
	h := NewScheduleHandler(repo, nil, zap.NewNop())

	rec := patchSchedule(t, h, sched.ID, `{"enabled": false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, repo.updated)
	assert.False(t, repo.updated.Enabled)
	assert.Nil(t, repo.updated.NextRunAt, "a disabled schedule must never look due")
}

func TestUpdateScheduleEnableSetsWatermark(t *testing.T) {
	sched := &db.BackupSchedule{
		Name:            "nightly",
		Enabled:         false,
		Devices:         db.StringList{"r1"},
		IntervalMinutes: 60,
	}
	sched.ID = uuid.Must(uuid.NewV7())
	repo := newStubScheduleRepo(sched)
	h := NewScheduleHandler(repo, nil, zap.NewNop())

	rec := patchSchedule(t, h, sched.ID, `{"enabled": true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, repo.updated)
	assert.True(t, repo.updated.Enabled)
	require.NotNil(t, repo.updated.NextRunAt, "an enabled schedule is due immediately")
	assert.WithinDuration(t, time.Now().UTC(), *repo.updated.NextRunAt, time.Minute)
}

func TestUpdateScheduleDisableRoundTripsNullWatermark(t *testing.T) {
	now := time.Now().UTC()
	sched := &db.BackupSchedule{
		Name:            "nightly",
		Enabled:         true,
		Devices:         db.StringList{"r1"},
		IntervalMinutes: 60,
		NextRunAt:       &now,
	}
	sched.ID = uuid.Must(uuid.NewV7())
	repo := newStubScheduleRepo(sched)
	h := NewScheduleHandler(repo, nil, zap.NewNop())

	rec := patchSchedule(t, h, sched.ID, `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data db.BackupSchedule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Data.NextRunAt)
}
