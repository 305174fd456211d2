package repo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexisync/lexisync/internal/entity"
	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/store"
)

var testLogger = slog.Default()

type countingKicker struct{ kicks int }

func (k *countingKicker) Kick() { k.kicks++ }

func newTestRepo(t *testing.T) (*Repository, *store.Store, *countingKicker) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "repo-test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	k := &countingKicker{}
	return New(st, k, testLogger), st, k
}

func TestCreate_LocalFirst(t *testing.T) {
	r, st, k := newTestRepo(t)
	ctx := context.Background()

	rec, err := r.Create(ctx, entity.Course{Title: "Spanish A1", Language: "es"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.LocalID == "" {
		t.Error("LocalID not assigned")
	}
	if rec.Version != 1 || rec.Status != model.StatusPendingPush {
		t.Errorf("record = v%d/%q, want v1/pendingPush", rec.Version, rec.Status)
	}

	// Immediately usable: visible in queries before any sync happens.
	recs, err := r.Find(ctx, store.Query{EntityType: "course"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("courses = %d, want 1", len(recs))
	}

	// And queued exactly once.
	stats, _ := st.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("pending ops = %d, want 1", stats.Pending)
	}
	if k.kicks != 1 {
		t.Errorf("kicks = %d, want 1", k.kicks)
	}
}

func TestUpdate_BumpsVersionAndCoalesces(t *testing.T) {
	r, st, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "Spanish A1", Language: "es"}, nil)

	upd, err := r.Update(ctx, rec.LocalID, entity.Course{Title: "Spanish A2", Language: "es"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if upd.Version != 2 {
		t.Errorf("Version = %d, want 2", upd.Version)
	}

	// Two mutations, one queue entry.
	stats, _ := st.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("pending ops = %d, want 1 (coalesced)", stats.Pending)
	}
}

func TestUpdate_NoChangeIsNoOp(t *testing.T) {
	r, _, k := newTestRepo(t)
	ctx := context.Background()

	course := entity.Course{Title: "Spanish A1", Language: "es"}
	rec, _ := r.Create(ctx, course, nil)
	kicksAfterCreate := k.kicks

	same, err := r.Update(ctx, rec.LocalID, course)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if same.Version != 1 {
		t.Errorf("Version = %d, want unchanged 1", same.Version)
	}
	if k.kicks != kicksAfterCreate {
		t.Error("no-op save still kicked the sync engine")
	}
}

func TestUpdate_Missing(t *testing.T) {
	r, _, _ := newTestRepo(t)
	_, err := r.Update(context.Background(), "nope", entity.Course{Title: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDelete_NeverSyncedVanishes(t *testing.T) {
	r, st, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "Spanish A1", Language: "es"}, nil)
	if err := r.Delete(ctx, rec.LocalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, _ := r.Get(ctx, rec.LocalID)
	if got != nil {
		t.Error("never-synced record should be purged outright")
	}
	stats, _ := st.Stats(ctx)
	if stats.Pending != 0 {
		t.Errorf("pending ops = %d, want 0", stats.Pending)
	}
}

// conflictRecord puts a created record into the conflicted state with a
// remote candidate, the way a sync cycle would.
func conflictRecord(t *testing.T, st *store.Store, rec *model.Record, candidatePayload string) {
	t.Helper()
	conflicted := rec.Clone()
	conflicted.Version = rec.Version + 1
	conflicted.RemoteID = "r1"
	conflicted.Status = model.StatusConflicted
	conflicted.RemoteCandidate = &model.Candidate{
		Payload:    json.RawMessage(candidatePayload),
		ETag:       "etag-remote",
		ModifiedAt: time.Now().UTC(),
	}
	err := st.ApplyRemoteBatch(context.Background(), []store.RemoteChange{{
		Record: &store.BaseRecord{Rec: conflicted, BaseVersion: rec.Version},
		DropOp: true,
		Conflict: &store.ConflictEntry{
			LocalID:    rec.LocalID,
			EntityType: rec.EntityType,
			DetectedAt: time.Now().UTC(),
		},
	}}, "", false)
	if err != nil {
		t.Fatalf("ApplyRemoteBatch: %v", err)
	}
}

func TestWrite_RejectedWhileConflicted(t *testing.T) {
	r, st, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "A", Language: "es"}, nil)
	conflictRecord(t, st, rec, `{"title":"B","language":"es"}`)

	if _, err := r.Update(ctx, rec.LocalID, entity.Course{Title: "C"}); !errors.Is(err, ErrConflicted) {
		t.Errorf("Update error = %v, want ErrConflicted", err)
	}
	if err := r.Delete(ctx, rec.LocalID); !errors.Is(err, ErrConflicted) {
		t.Errorf("Delete error = %v, want ErrConflicted", err)
	}
}

func TestResolveConflict_KeepLocal(t *testing.T) {
	r, st, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "local", Language: "es"}, nil)
	conflictRecord(t, st, rec, `{"title":"remote","language":"es"}`)

	if err := r.ResolveConflict(ctx, rec.LocalID, Resolution{}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	got, _ := r.Get(ctx, rec.LocalID)
	if got.Status != model.StatusPendingPush {
		t.Errorf("Status = %q, want pendingPush (re-queued)", got.Status)
	}
	if got.RemoteCandidate != nil {
		t.Error("candidate not cleared")
	}
	// The re-push is based on the candidate's etag so the remote accepts it.
	if got.ETag != "etag-remote" {
		t.Errorf("ETag = %q, want etag-remote", got.ETag)
	}
	stats, _ := st.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("pending ops = %d, want 1", stats.Pending)
	}

	// A resolved record accepts writes again.
	if _, err := r.Update(ctx, rec.LocalID, entity.Course{Title: "later", Language: "es"}); err != nil {
		t.Errorf("Update after resolve: %v", err)
	}
}

func TestResolveConflict_KeepRemote(t *testing.T) {
	r, st, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "local", Language: "es"}, nil)
	conflictRecord(t, st, rec, `{"title":"remote","language":"es"}`)

	if err := r.ResolveConflict(ctx, rec.LocalID, Resolution{KeepRemote: true}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	got, _ := r.Get(ctx, rec.LocalID)
	if got.Status != model.StatusSynced {
		t.Errorf("Status = %q, want synced", got.Status)
	}
	if string(got.Payload) != `{"title":"remote","language":"es"}` {
		t.Errorf("payload = %s, want remote candidate", got.Payload)
	}
	// Nothing left to push.
	stats, _ := st.Stats(ctx)
	if stats.Pending != 0 {
		t.Errorf("pending ops = %d, want 0", stats.Pending)
	}
}

func TestResolveConflict_Merged(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "local", Language: "es"}, nil)
	conflictRecord(t, r.store, rec, `{"title":"remote","language":"es"}`)

	merged := json.RawMessage(`{"title":"merged","language":"es"}`)
	if err := r.ResolveConflict(ctx, rec.LocalID, Resolution{Merged: merged}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	got, _ := r.Get(ctx, rec.LocalID)
	if string(got.Payload) != string(merged) {
		t.Errorf("payload = %s, want merged", got.Payload)
	}
	if got.Status != model.StatusPendingPush {
		t.Errorf("Status = %q, want pendingPush", got.Status)
	}
}

func TestResolveConflict_NotConflicted(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	rec, _ := r.Create(ctx, entity.Course{Title: "A", Language: "es"}, nil)
	if err := r.ResolveConflict(ctx, rec.LocalID, Resolution{}); err == nil {
		t.Fatal("expected error resolving a non-conflicted record")
	}
}

func TestConflicts_ListsOnlyConflicted(t *testing.T) {
	r, st, _ := newTestRepo(t)
	ctx := context.Background()

	clean, _ := r.Create(ctx, entity.Course{Title: "clean", Language: "es"}, nil)
	_ = clean
	rec, _ := r.Create(ctx, entity.Course{Title: "A", Language: "es"}, nil)
	conflictRecord(t, st, rec, `{"title":"B","language":"es"}`)

	conflicts, err := r.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].LocalID != rec.LocalID {
		t.Errorf("conflicts = %d, want just the conflicted record", len(conflicts))
	}
}

func TestObserve_SnapshotThenUpdates(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := r.Create(ctx, entity.Course{Title: "first", Language: "es"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch := r.Observe(ctx, store.Query{EntityType: "course"})

	// Initial snapshot.
	select {
	case recs := <-ch:
		if len(recs) != 1 {
			t.Fatalf("initial snapshot = %d records, want 1", len(recs))
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	if _, err := r.Create(ctx, entity.Course{Title: "second", Language: "fr"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Fresh snapshot after the commit.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case recs := <-ch:
			if len(recs) == 2 {
				cancel()
				// Channel closes after cancellation.
				for range ch {
				}
				return
			}
		case <-deadline:
			t.Fatal("never observed the second record")
		}
	}
}

func TestCollection_TypedRoundTrip(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	courses := NewCollection[entity.Course](r)
	item, err := courses.Create(ctx, entity.Course{Title: "Spanish A1", Language: "es"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := courses.Get(ctx, item.Record.LocalID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Payload.Title != "Spanish A1" || got.Payload.Language != "es" {
		t.Errorf("payload = %+v", got.Payload)
	}

	all, err := courses.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("courses = %d, want 1", len(all))
	}

	// Wrong-type access is refused.
	lessons := NewCollection[entity.Lesson](r)
	if _, _, err := lessons.Get(ctx, item.Record.LocalID); err == nil {
		t.Error("expected type mismatch error")
	}
}
