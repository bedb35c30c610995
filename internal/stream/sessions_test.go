package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mediacore/internal/cache"
	"mediacore/internal/models"
)

func TestSessionLifecycleRecordsStatsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)

	session, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "Evening show")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.Status != models.SessionPreparing {
		t.Fatalf("expected PREPARING, got %s", session.Status)
	}
	if session.IngestURL != "rtmp://media.example.com:1935/live/"+key.Secret {
		t.Fatalf("unexpected ingest url %q", session.IngestURL)
	}

	live, err := h.sessions.Activate(ctx, testOwner, session.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if live.Status != models.SessionLive || live.StartedAt == nil {
		t.Fatalf("expected LIVE with start time, got %+v", live)
	}

	for _, delta := range []int64{1, 1, 1, -1, 1} {
		if _, err := h.sessions.AdjustViewers(ctx, session.ID, delta); err != nil {
			t.Fatalf("AdjustViewers: %v", err)
		}
	}

	h.clock.Advance(90 * time.Minute)
	ended, err := h.sessions.Stop(ctx, testOwner, session.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ended.Status != models.SessionEnded {
		t.Fatalf("expected ENDED, got %s", ended.Status)
	}
	if ended.DurationSeconds != 5400 {
		t.Fatalf("expected 5400s duration, got %d", ended.DurationSeconds)
	}

	record, err := h.stats.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("stats Get: %v", err)
	}
	if record.PeakViewers != 3 || record.TotalViewers != 4 || record.TotalDuration != 5400 {
		t.Fatalf("unexpected stats record %+v", record)
	}
	if !record.StreamDate.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected stream date of the end day, got %s", record.StreamDate)
	}

	again, err := h.sessions.Stop(ctx, testOwner, session.ID)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if again.Version != ended.Version {
		t.Fatalf("expected repeated stop to leave the session unchanged")
	}

	channel, err := h.stats.ChannelTotals(ctx, testChannel)
	if err != nil {
		t.Fatalf("ChannelTotals: %v", err)
	}
	if channel.TotalStreams != 1 || channel.TotalStreamTime != 5400 {
		t.Fatalf("expected counters to move once, got %+v", channel)
	}
}

func TestOnlyOneNonTerminalSessionPerChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)

	first, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	requireKind(t, err, models.KindConflict)
	requireCode(t, err, models.CodeSessionExists)

	if _, err := h.sessions.Stop(ctx, testOwner, first.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, ""); err != nil {
		t.Fatalf("expected start after stop to succeed, got %v", err)
	}
}

func TestConcurrentStartsHaveSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case models.CodeOf(err) == models.CodeSessionExists:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || conflicts != callers-1 {
		t.Fatalf("expected one winner and %d conflicts, got %d and %d", callers-1, winners, conflicts)
	}
}

func TestConcurrentStopsFinalizeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	live := h.liveSession(t, h.issueKey(t))
	h.clock.Advance(10 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ended, err := h.sessions.Stop(ctx, testOwner, live.ID)
			if err != nil {
				t.Errorf("Stop: %v", err)
				return
			}
			if ended.Status != models.SessionEnded {
				t.Errorf("expected ENDED, got %s", ended.Status)
			}
		}()
	}
	wg.Wait()

	channel, err := h.stats.ChannelTotals(ctx, testChannel)
	if err != nil {
		t.Fatalf("ChannelTotals: %v", err)
	}
	if channel.TotalStreams != 1 || channel.TotalStreamTime != 600 {
		t.Fatalf("expected a single finalization, got %+v", channel)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)

	_, err := h.sessions.Schedule(ctx, testOwner, testChannel, key.ID, "", h.clock.Now().Add(-time.Minute))
	requireKind(t, err, models.KindValidation)

	scheduled, err := h.sessions.Schedule(ctx, testOwner, testChannel, key.ID, "Launch", h.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if scheduled.Status != models.SessionScheduled || scheduled.ScheduledAt == nil {
		t.Fatalf("expected SCHEDULED with time, got %+v", scheduled)
	}

	_, err = h.sessions.Stop(ctx, testOwner, scheduled.ID)
	requireKind(t, err, models.KindNotFound)
	_, err = h.sessions.Activate(ctx, testOwner, scheduled.ID)
	requireCode(t, err, models.CodeInvalidTransition)

	cancelled, err := h.sessions.Cancel(ctx, testOwner, scheduled.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.SessionTerminated || cancelled.TerminatedReason != "cancelled" {
		t.Fatalf("expected cancelled termination, got %+v", cancelled)
	}
	if _, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, ""); err != nil {
		t.Fatalf("expected start after cancel to succeed, got %v", err)
	}
}

func TestPrepareScheduledSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	scheduled, err := h.sessions.Schedule(ctx, testOwner, testChannel, key.ID, "", h.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	prepared, err := h.sessions.Prepare(ctx, testOwner, scheduled.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if prepared.Status != models.SessionPreparing {
		t.Fatalf("expected PREPARING, got %s", prepared.Status)
	}
	_, err = h.sessions.Prepare(ctx, testOwner, scheduled.ID)
	requireCode(t, err, models.CodeInvalidTransition)
}

func TestTerminateSkipsStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	live := h.liveSession(t, h.issueKey(t))

	terminated, err := h.sessions.Terminate(ctx, live.ID, "policy violation")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if terminated.Status != models.SessionTerminated || terminated.TerminatedReason != "policy violation" {
		t.Fatalf("unexpected terminated session %+v", terminated)
	}
	if terminated.EndedAt == nil {
		t.Fatal("expected end time on termination")
	}
	_, err = h.stats.Get(ctx, live.ID)
	requireKind(t, err, models.KindNotFound)

	_, err = h.sessions.Terminate(ctx, live.ID, "")
	requireCode(t, err, models.CodeInvalidTransition)
}

func TestSessionOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	session, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = h.sessions.Get(ctx, "intruder", session.ID)
	requireKind(t, err, models.KindNotFound)
	_, err = h.sessions.Stop(ctx, "intruder", session.ID)
	requireKind(t, err, models.KindNotFound)
	_, err = h.sessions.Get(ctx, "", session.ID)
	requireKind(t, err, models.KindUnauthorized)
	_, err = h.sessions.Start(ctx, "intruder", testChannel, key.ID, "")
	requireKind(t, err, models.KindNotFound)

	current, err := h.sessions.Current(ctx, testOwner, testChannel)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.ID != session.ID {
		t.Fatalf("expected current session %s, got %s", session.ID, current.ID)
	}
	list, err := h.sessions.List(ctx, testOwner, testChannel, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
}

func TestStartRejectsUnusableKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	if _, err := h.keys.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	requireKind(t, err, models.KindUnauthorized)

	_, err = h.sessions.Start(ctx, testOwner, testChannel, "unknown", "")
	requireKind(t, err, models.KindUnauthorized)
}

func TestStartValidatesTitle(t *testing.T) {
	h := newHarness(t)
	key := h.issueKey(t)
	_, err := h.sessions.Start(context.Background(), testOwner, testChannel, key.ID, strings.Repeat("x", maxTitleLength+1))
	requireKind(t, err, models.KindValidation)
	_, err = h.sessions.Start(context.Background(), testOwner, testChannel, key.ID, "bad\x00title")
	requireKind(t, err, models.KindValidation)
}

func TestRevocationLeavesLiveSessionRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	live := h.liveSession(t, key)

	if _, err := h.keys.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	current, err := h.sessions.Get(ctx, testOwner, live.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if current.Status != models.SessionLive {
		t.Fatalf("expected session to stay LIVE, got %s", current.Status)
	}

	ended, stopped, err := h.sessions.HandleUnpublish(ctx, key.Secret)
	if err != nil {
		t.Fatalf("HandleUnpublish: %v", err)
	}
	if !stopped || ended.Status != models.SessionEnded {
		t.Fatalf("expected unpublish to end the session, got stopped=%v %+v", stopped, ended)
	}
}

func TestAdjustViewersRequiresLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	session, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = h.sessions.AdjustViewers(ctx, session.ID, 1)
	requireCode(t, err, models.CodeInvalidTransition)
}

func TestPublishHooks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	other := h.issueKey(t)

	_, err := h.sessions.HandlePublish(ctx, key.Secret)
	requireKind(t, err, models.KindNotFound)

	scheduled, err := h.sessions.Schedule(ctx, testOwner, testChannel, key.ID, "", h.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	_, err = h.sessions.HandlePublish(ctx, other.Secret)
	requireKind(t, err, models.KindNotFound)
	_, err = h.sessions.HandlePublish(ctx, "forged")
	requireKind(t, err, models.KindUnauthorized)

	live, err := h.sessions.HandlePublish(ctx, key.Secret)
	if err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if live.ID != scheduled.ID || live.Status != models.SessionLive {
		t.Fatalf("expected scheduled session to go live, got %+v", live)
	}
	again, err := h.sessions.HandlePublish(ctx, key.Secret)
	if err != nil {
		t.Fatalf("repeated HandlePublish: %v", err)
	}
	if again.Version != live.Version {
		t.Fatalf("expected repeated publish to be a no-op")
	}

	viewing, err := h.sessions.HandleViewer(ctx, key.Secret, 1)
	if err != nil {
		t.Fatalf("HandleViewer: %v", err)
	}
	if viewing.ViewerCount != 1 {
		t.Fatalf("expected 1 viewer, got %d", viewing.ViewerCount)
	}
	left, err := h.sessions.HandleViewer(ctx, key.Secret, -1)
	if err != nil {
		t.Fatalf("HandleViewer: %v", err)
	}
	if left.ViewerCount != 0 || left.PeakViewers != 1 {
		t.Fatalf("unexpected viewer counters %+v", left)
	}

	ended, stopped, err := h.sessions.HandleUnpublish(ctx, key.Secret)
	if err != nil || !stopped {
		t.Fatalf("HandleUnpublish: stopped=%v err=%v", stopped, err)
	}
	if ended.Status != models.SessionEnded {
		t.Fatalf("expected ENDED, got %s", ended.Status)
	}

	_, stopped, err = h.sessions.HandleUnpublish(ctx, key.Secret)
	if err != nil || stopped {
		t.Fatalf("expected unpublish without a session to be a no-op, got stopped=%v err=%v", stopped, err)
	}
}

func TestStopMeasuresDurationFromStoredStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	other := h.peer(cache.NewMemoryCache(cache.Config{}))

	session, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := other.Activate(ctx, testOwner, session.ID); err != nil {
		t.Fatalf("Activate on second instance: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	ended, err := h.sessions.Stop(ctx, testOwner, session.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ended.DurationSeconds != 600 {
		t.Fatalf("expected 600s duration, got %d", ended.DurationSeconds)
	}
	record, err := h.stats.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("stats Get: %v", err)
	}
	if record.TotalDuration != 600 {
		t.Fatalf("expected 600s in stats, got %d", record.TotalDuration)
	}
}

func TestTerminateMeasuresDurationFromStoredStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	other := h.peer(cache.NewMemoryCache(cache.Config{}))

	session, err := h.sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := other.Activate(ctx, testOwner, session.ID); err != nil {
		t.Fatalf("Activate on second instance: %v", err)
	}

	h.clock.Advance(5 * time.Minute)
	terminated, err := h.sessions.Terminate(ctx, session.ID, "")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if terminated.DurationSeconds != 300 {
		t.Fatalf("expected 300s duration, got %d", terminated.DurationSeconds)
	}
}

func TestFailedCacheWriteDropsStaleEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.issueKey(t)
	flaky := &failingSetCache{MemoryCache: cache.NewMemoryCache(cache.Config{})}
	sessions := h.peer(flaky)

	session, err := sessions.Start(ctx, testOwner, testChannel, key.ID, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	flaky.setFailing(true)
	if _, err := sessions.Activate(ctx, testOwner, session.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	flaky.setFailing(false)

	current, err := sessions.Get(ctx, testOwner, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if current.Status != models.SessionLive {
		t.Fatalf("expected LIVE after failed cache write, got %s", current.Status)
	}
}
