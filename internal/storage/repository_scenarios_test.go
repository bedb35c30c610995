package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediacore/internal/models"
)

// RepositoryFactory constructs a repository backed by one of the datastore
// implementations for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func seedChannel(t *testing.T, repo Repository, id string) models.Channel {
	t.Helper()
	channel, err := repo.UpsertChannel(context.Background(), id, "owner-"+id)
	if err != nil {
		t.Fatalf("upsert channel %s: %v", id, err)
	}
	return channel
}

func newTestKey(channelID, id string, now time.Time) models.StreamKey {
	return models.StreamKey{
		ID:          id,
		ChannelID:   channelID,
		Secret:      "secret-" + id,
		Status:      models.KeyActive,
		Permissions: []string{models.PermissionPublish},
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
}

func seedKey(t *testing.T, repo Repository, channelID, id string) models.StreamKey {
	t.Helper()
	now := time.Now().UTC()
	key, err := repo.InsertStreamKey(context.Background(), newTestKey(channelID, id, now), "digest-"+id, 100, now)
	if err != nil {
		t.Fatalf("insert stream key %s: %v", id, err)
	}
	return key
}

func newTestUpload(id string, total int64, now time.Time) models.UploadSession {
	return models.UploadSession{
		ID:          id,
		OwnerID:     "user-1",
		TotalLength: total,
		Metadata:    map[string]string{"filename": "clip.mp4"},
		Status:      models.UploadUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTestSession(id, channelID, keyID string, now time.Time) models.LiveStreamSession {
	return models.LiveStreamSession{
		ID:          id,
		ChannelID:   channelID,
		StreamKeyID: keyID,
		Title:       "evening stream",
		Status:      models.SessionScheduled,
		CreatedAt:   now,
	}
}

func requireKind(t *testing.T, err error, kind models.ErrorKind, operation string) {
	t.Helper()
	if !models.IsKind(err, kind) {
		t.Fatalf("%s: expected %s error, got %v", operation, kind, err)
	}
}

// RunRepositoryUploadLifecycle exercises offset CAS, completion, handoff, and
// tombstoning of a single upload.
func RunRepositoryUploadLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.CreateUpload(ctx, newTestUpload("up-1", 100, now)); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	err := repo.CreateUpload(ctx, newTestUpload("up-1", 100, now))
	requireKind(t, err, models.KindConflict, "duplicate create")

	got, err := repo.GetUpload(ctx, "up-1")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.Offset != 0 || got.TotalLength != 100 || got.Metadata["filename"] != "clip.mp4" {
		t.Fatalf("unexpected upload %+v", got)
	}

	advanced, err := repo.AdvanceUpload(ctx, "up-1", 0, 40, now)
	if err != nil {
		t.Fatalf("advance upload: %v", err)
	}
	if advanced.Offset != 40 || advanced.Status != models.UploadUploading {
		t.Fatalf("unexpected advanced upload %+v", advanced)
	}

	_, err = repo.AdvanceUpload(ctx, "up-1", 0, 40, now)
	requireKind(t, err, models.KindConflict, "stale advance")
	if coreErr := models.AsError(err); coreErr.Offset != 40 || coreErr.Code != models.CodeOffsetMismatch {
		t.Fatalf("expected offset conflict at 40, got %+v", coreErr)
	}

	_, err = repo.AdvanceUpload(ctx, "up-1", 40, 61, now)
	requireKind(t, err, models.KindValidation, "overflowing advance")

	if _, err := repo.MarkUploadHandedOff(ctx, "up-1", "key", now); models.CodeOf(err) != models.CodeIncomplete {
		t.Fatalf("expected incomplete conflict, got %v", err)
	}

	completed, err := repo.AdvanceUpload(ctx, "up-1", 40, 60, now)
	if err != nil {
		t.Fatalf("complete upload: %v", err)
	}
	if completed.Status != models.UploadCompleted || completed.CompletedAt == nil || completed.Offset != 100 {
		t.Fatalf("expected completed upload, got %+v", completed)
	}
	_, err = repo.AdvanceUpload(ctx, "up-1", 100, 0, now)
	requireKind(t, err, models.KindConflict, "advance after completion")

	pending, err := repo.ListUploadsPendingHandoff(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "up-1" {
		t.Fatalf("expected one pending upload, got %+v", pending)
	}

	handed, err := repo.MarkUploadHandedOff(ctx, "up-1", "uploads/up-1", now)
	if err != nil {
		t.Fatalf("mark handed off: %v", err)
	}
	if handed.HandedOffAt == nil || handed.StorageKey != "uploads/up-1" {
		t.Fatalf("expected handoff recorded, got %+v", handed)
	}
	pending, err = repo.ListUploadsPendingHandoff(ctx, 10)
	if err != nil {
		t.Fatalf("list pending after handoff: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending uploads, got %d", len(pending))
	}

	if err := repo.CancelUpload(ctx, "up-1", now); err != nil {
		t.Fatalf("cancel upload: %v", err)
	}
	_, err = repo.GetUpload(ctx, "up-1")
	requireKind(t, err, models.KindNotFound, "get cancelled upload")
	_, err = repo.AdvanceUpload(ctx, "up-1", 100, 0, now)
	requireKind(t, err, models.KindNotFound, "advance cancelled upload")
	if err := repo.CancelUpload(ctx, "up-1", now); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if err := repo.CancelUpload(ctx, "missing", now); err != nil {
		t.Fatalf("cancel missing upload: %v", err)
	}
}

// RunRepositoryUploadConcurrentAdvance races appends at the same offset.
// Exactly one must win.
func RunRepositoryUploadConcurrentAdvance(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := repo.CreateUpload(ctx, newTestUpload("race", 1000, now)); err != nil {
		t.Fatalf("create upload: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AdvanceUpload(ctx, "race", 0, 10, now)
			switch {
			case err == nil:
				successes.Add(1)
			case models.CodeOf(err) == models.CodeOffsetMismatch:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected advance error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || conflicts.Load() != writers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", writers-1, successes.Load(), conflicts.Load())
	}
	got, err := repo.GetUpload(ctx, "race")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if got.Offset != 10 {
		t.Fatalf("expected offset 10, got %d", got.Offset)
	}
}

// RunRepositoryExpiredUploads checks the retention query.
func RunRepositoryExpiredUploads(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	for _, upload := range []models.UploadSession{
		newTestUpload("stale-uploading", 10, old),
		newTestUpload("fresh-uploading", 10, fresh),
		newTestUpload("old-complete", 10, old),
	} {
		if err := repo.CreateUpload(ctx, upload); err != nil {
			t.Fatalf("create %s: %v", upload.ID, err)
		}
	}
	if _, err := repo.AdvanceUpload(ctx, "old-complete", 0, 10, old); err != nil {
		t.Fatalf("complete upload: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	expired, err := repo.ListExpiredUploads(ctx, cutoff, cutoff, 0)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	ids := make(map[string]bool, len(expired))
	for _, upload := range expired {
		ids[upload.ID] = true
	}
	if len(ids) != 2 || !ids["stale-uploading"] || !ids["old-complete"] {
		t.Fatalf("unexpected expired uploads %v", ids)
	}

	limited, err := repo.ListExpiredUploads(ctx, cutoff, cutoff, 1)
	if err != nil {
		t.Fatalf("list expired with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

// RunRepositoryStreamKeyQuota exercises quota enforcement, expiry, revocation,
// and digest uniqueness.
func RunRepositoryStreamKeyQuota(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()
	seedChannel(t, repo, "chan-1")

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("key-%d", i)
		if _, err := repo.InsertStreamKey(ctx, newTestKey("chan-1", id, now), "digest-"+id, 3, now); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	_, err := repo.InsertStreamKey(ctx, newTestKey("chan-1", "key-3", now), "digest-key-3", 3, now)
	if models.CodeOf(err) != models.CodeQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %v", err)
	}

	if _, err := repo.RevokeStreamKey(ctx, "key-0"); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	if _, err := repo.InsertStreamKey(ctx, newTestKey("chan-1", "key-3", now), "digest-key-3", 3, now); err != nil {
		t.Fatalf("insert after revoke: %v", err)
	}

	later := now.Add(48 * time.Hour)
	if _, err := repo.InsertStreamKey(ctx, newTestKey("chan-1", "key-4", later), "digest-key-4", 3, later); err != nil {
		t.Fatalf("insert after expiry: %v", err)
	}
	expired, err := repo.GetStreamKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get expired key: %v", err)
	}
	if expired.Status != models.KeyInactive {
		t.Fatalf("expected expired key to be inactive, got %s", expired.Status)
	}

	_, err = repo.InsertStreamKey(ctx, newTestKey("chan-1", "key-5", later), "digest-key-4", 3, later)
	if !errors.Is(err, ErrDuplicateSecret) {
		t.Fatalf("expected duplicate secret, got %v", err)
	}

	_, err = repo.InsertStreamKey(ctx, newTestKey("missing", "key-6", now), "digest-key-6", 3, now)
	requireKind(t, err, models.KindNotFound, "insert for missing channel")

	byDigest, err := repo.GetStreamKeyByDigest(ctx, "digest-key-3")
	if err != nil {
		t.Fatalf("get by digest: %v", err)
	}
	if byDigest.ID != "key-3" || !byDigest.HasPermission(models.PermissionPublish) {
		t.Fatalf("unexpected key by digest %+v", byDigest)
	}

	if err := repo.TouchStreamKey(ctx, "key-3", now); err != nil {
		t.Fatalf("touch key: %v", err)
	}
	touched, err := repo.GetStreamKey(ctx, "key-3")
	if err != nil {
		t.Fatalf("get touched key: %v", err)
	}
	if touched.UsageCount != 1 || touched.LastUsedAt == nil {
		t.Fatalf("expected usage recorded, got %+v", touched)
	}
	requireKind(t, repo.TouchStreamKey(ctx, "missing", now), models.KindNotFound, "touch missing key")

	keys, err := repo.ListStreamKeys(ctx, "chan-1")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %d", len(keys))
	}
}

// RunRepositoryStreamKeyQuotaConcurrent races generations against the quota.
func RunRepositoryStreamKeyQuotaConcurrent(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()
	seedChannel(t, repo, "chan-race")

	const attempts, quota = 12, 5
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("race-key-%d", i)
			_, err := repo.InsertStreamKey(ctx, newTestKey("chan-race", id, now), "digest-"+id, quota, now)
			switch {
			case err == nil:
				accepted.Add(1)
			case models.CodeOf(err) == models.CodeQuotaExceeded:
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted.Load() != quota {
		t.Fatalf("expected %d accepted keys, got %d", quota, accepted.Load())
	}
}

// RunRepositoryLiveSessionLifecycle exercises the single-active guard,
// transitions, and viewer accounting.
func RunRepositoryLiveSessionLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()
	seedChannel(t, repo, "chan-live")
	key := seedKey(t, repo, "chan-live", "live-key")

	first, err := repo.InsertLiveSession(ctx, newTestSession("s-1", "chan-live", key.ID, now))
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if first.Version != 1 || first.Status != models.SessionScheduled {
		t.Fatalf("unexpected inserted session %+v", first)
	}
	_, err = repo.InsertLiveSession(ctx, newTestSession("s-2", "chan-live", key.ID, now))
	if models.CodeOf(err) != models.CodeSessionExists {
		t.Fatalf("expected session exists conflict, got %v", err)
	}

	active, err := repo.ActiveLiveSession(ctx, "chan-live")
	if err != nil || active.ID != "s-1" {
		t.Fatalf("expected active session s-1, got %+v (%v)", active, err)
	}

	_, err = repo.TransitionLiveSession(ctx, "s-1", []models.SessionStatus{models.SessionPreparing}, SessionUpdate{Status: models.SessionLive})
	if models.CodeOf(err) != models.CodeInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := repo.TransitionLiveSession(ctx, "s-1", []models.SessionStatus{models.SessionScheduled}, SessionUpdate{Status: models.SessionPreparing}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	started := now.Add(time.Minute)
	live, err := repo.TransitionLiveSession(ctx, "s-1", []models.SessionStatus{models.SessionPreparing}, SessionUpdate{Status: models.SessionLive, StartedAt: &started})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if live.StartedAt == nil || live.Status != models.SessionLive || live.Version != 3 {
		t.Fatalf("unexpected live session %+v", live)
	}

	if _, err := repo.AdjustViewers(ctx, "s-1", 5); err != nil {
		t.Fatalf("adjust viewers up: %v", err)
	}
	adjusted, err := repo.AdjustViewers(ctx, "s-1", -8)
	if err != nil {
		t.Fatalf("adjust viewers down: %v", err)
	}
	if adjusted.ViewerCount != 0 || adjusted.PeakViewers != 5 || adjusted.TotalViewers != 5 {
		t.Fatalf("unexpected viewer counters %+v", adjusted)
	}

	ended := started.Add(time.Hour)
	done, err := repo.TransitionLiveSession(ctx, "s-1", []models.SessionStatus{models.SessionPreparing, models.SessionLive}, SessionUpdate{
		Status:  models.SessionEnded,
		EndedAt: &ended,
	})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if done.DurationSeconds != 3600 || done.EndedAt == nil || done.StartedAt == nil {
		t.Fatalf("unexpected ended session %+v", done)
	}
	_, err = repo.AdjustViewers(ctx, "s-1", 1)
	requireKind(t, err, models.KindConflict, "adjust ended session")

	_, err = repo.ActiveLiveSession(ctx, "chan-live")
	requireKind(t, err, models.KindNotFound, "active after end")

	if _, err := repo.InsertLiveSession(ctx, newTestSession("s-2", "chan-live", key.ID, now.Add(2*time.Hour))); err != nil {
		t.Fatalf("insert after end: %v", err)
	}
	sessions, err := repo.ListLiveSessions(ctx, "chan-live", 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s-2" {
		t.Fatalf("expected newest session first, got %+v", sessions)
	}

	_, err = repo.GetLiveSession(ctx, "missing")
	requireKind(t, err, models.KindNotFound, "get missing session")
}

// RunRepositoryLiveSessionSingleActiveConcurrent races session creation for one
// channel.
func RunRepositoryLiveSessionSingleActiveConcurrent(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()
	seedChannel(t, repo, "chan-single")
	key := seedKey(t, repo, "chan-single", "single-key")

	const attempts = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.InsertLiveSession(ctx, newTestSession(fmt.Sprintf("single-%d", i), "chan-single", key.ID, now))
			switch {
			case err == nil:
				accepted.Add(1)
			case models.CodeOf(err) == models.CodeSessionExists:
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Fatalf("expected exactly one session, got %d", accepted.Load())
	}
}

// RunRepositoryFinalizeStatsOnce checks that repeated finalisation leaves the
// channel counters incremented exactly once.
func RunRepositoryFinalizeStatsOnce(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Now().UTC()
	seedChannel(t, repo, "chan-stats")
	key := seedKey(t, repo, "chan-stats", "stats-key")
	if _, err := repo.InsertLiveSession(ctx, newTestSession("stats-session", "chan-stats", key.ID, now)); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	record := models.StreamStatsRecord{
		StreamID:      "stats-session",
		ChannelID:     "chan-stats",
		TotalViewers:  12,
		PeakViewers:   7,
		TotalDuration: 3600,
		StreamDate:    now,
		CreatedAt:     now,
	}

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := repo.FinalizeStats(ctx, record)
			if err != nil {
				t.Errorf("finalize stats: %v", err)
				return
			}
			if isNew {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Fatalf("expected exactly one created record, got %d", created.Load())
	}

	stored, isNew, err := repo.FinalizeStats(ctx, record)
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if isNew || stored.TotalDuration != 3600 || stored.PeakViewers != 7 {
		t.Fatalf("unexpected repeat result %+v (created=%v)", stored, isNew)
	}
	if !stored.StreamDate.Equal(models.StreamDate(now)) {
		t.Fatalf("expected stream date %s, got %s", models.StreamDate(now), stored.StreamDate)
	}

	channel, err := repo.GetChannel(ctx, "chan-stats")
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if channel.TotalStreams != 1 || channel.TotalStreamTime != 3600 {
		t.Fatalf("expected counters bumped once, got %+v", channel)
	}

	fetched, err := repo.GetStats(ctx, "stats-session")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if fetched.TotalViewers != 12 {
		t.Fatalf("unexpected stats %+v", fetched)
	}
	_, err = repo.GetStats(ctx, "missing")
	requireKind(t, err, models.KindNotFound, "get missing stats")
}

// RunRepositoryScenarios runs every scenario against factory.
func RunRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	scenarios := []struct {
		name string
		run  func(*testing.T, RepositoryFactory)
	}{
		{"UploadLifecycle", RunRepositoryUploadLifecycle},
		{"UploadConcurrentAdvance", RunRepositoryUploadConcurrentAdvance},
		{"ExpiredUploads", RunRepositoryExpiredUploads},
		{"StreamKeyQuota", RunRepositoryStreamKeyQuota},
		{"StreamKeyQuotaConcurrent", RunRepositoryStreamKeyQuotaConcurrent},
		{"LiveSessionLifecycle", RunRepositoryLiveSessionLifecycle},
		{"LiveSessionSingleActiveConcurrent", RunRepositoryLiveSessionSingleActiveConcurrent},
		{"FinalizeStatsOnce", RunRepositoryFinalizeStatsOnce},
	}
	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			scenario.run(t, factory)
		})
	}
}
