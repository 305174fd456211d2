package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/remote"
)

// --- Fake remote backend -----------------------------------------------------

// remoteDoc is one record on the fake backend. Deletions leave a tombstone so
// they appear in the change feed.
type remoteDoc struct {
	id         string
	entityType string
	payload    json.RawMessage
	refs       map[string]string
	etag       string
	modifiedAt time.Time
	deleted    bool

	// seq orders the change feed; fromClient marks changes pushed by this
	// device, which its own pull feed excludes.
	seq        int
	fromClient bool
}

// fakeRemote implements [remote.Client] and [Pinger] in memory. It dedups
// pushes on operation ID the way the real backend does, which is what makes
// at-least-once push safe to test against.
type fakeRemote struct {
	mu      sync.Mutex
	docs    map[string]*remoteDoc
	results map[string]remote.PushResult // by op ID
	seq     int
	nextID  int
	applied int // state mutations actually performed

	// failNextPush makes the next Push apply its operations server-side and
	// then fail the transport, simulating a crash between transmission and
	// local bookkeeping.
	failNextPush bool

	pushErr error // returned before anything is applied
	pullErr error
	pingErr error
	pings   int

	now func() time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:    make(map[string]*remoteDoc),
		results: make(map[string]remote.PushResult),
		now:     time.Now,
	}
}

func (f *fakeRemote) Push(_ context.Context, ops []*model.Operation) ([]remote.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pushErr != nil {
		return nil, f.pushErr
	}

	results := make([]remote.PushResult, 0, len(ops))
	for _, op := range ops {
		if res, seen := f.results[op.OpID]; seen {
			results = append(results, res)
			continue
		}
		res := f.apply(op)
		f.results[op.OpID] = res
		results = append(results, res)
	}

	if f.failNextPush {
		f.failNextPush = false
		return nil, errors.New("connection reset")
	}
	return results, nil
}

func (f *fakeRemote) apply(op *model.Operation) remote.PushResult {
	switch op.Kind {
	case model.OpCreate:
		f.nextID++
		id := fmt.Sprintf("r-%d", f.nextID)
		f.seq++
		f.docs[id] = &remoteDoc{
			id:         id,
			entityType: op.EntityType,
			payload:    append(json.RawMessage(nil), op.Payload...),
			refs:       op.RemoteRefs,
			etag:       f.newETag(),
			modifiedAt: f.now().UTC(),
			seq:        f.seq,
			fromClient: true,
		}
		f.applied++
		return remote.PushResult{OpID: op.OpID, Status: remote.PushAccepted, RemoteID: id, ETag: f.docs[id].etag}

	case model.OpUpdate, model.OpDelete:
		doc, ok := f.docs[op.RemoteID]
		if !ok || doc.deleted && op.Kind == model.OpUpdate {
			return remote.PushResult{OpID: op.OpID, Status: remote.PushRejected, Reason: "unknown record"}
		}
		if doc.etag != op.BaseETag {
			return remote.PushResult{OpID: op.OpID, Status: remote.PushConflict, Remote: f.deltaFor(doc)}
		}
		f.seq++
		doc.seq = f.seq
		doc.fromClient = true
		doc.modifiedAt = f.now().UTC()
		doc.etag = f.newETag()
		if op.Kind == model.OpDelete {
			doc.deleted = true
			doc.payload = nil
		} else {
			doc.payload = append(json.RawMessage(nil), op.Payload...)
			doc.refs = op.RemoteRefs
		}
		f.applied++
		return remote.PushResult{OpID: op.OpID, Status: remote.PushAccepted, RemoteID: doc.id, ETag: doc.etag}

	default:
		return remote.PushResult{OpID: op.OpID, Status: remote.PushRejected, Reason: "unknown kind"}
	}
}

func (f *fakeRemote) Pull(_ context.Context, checkpoint string) ([]remote.Delta, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pullErr != nil {
		return nil, "", f.pullErr
	}

	since := 0
	if checkpoint != "" {
		since, _ = strconv.Atoi(checkpoint)
	}
	var deltas []remote.Delta
	for _, doc := range f.docs {
		if doc.seq > since && !doc.fromClient {
			deltas = append(deltas, *f.deltaFor(doc))
		}
	}
	return deltas, strconv.Itoa(f.seq), nil
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeRemote) deltaFor(doc *remoteDoc) *remote.Delta {
	return &remote.Delta{
		RemoteID:   doc.id,
		EntityType: doc.entityType,
		Payload:    append(json.RawMessage(nil), doc.payload...),
		ETag:       doc.etag,
		ModifiedAt: doc.modifiedAt,
		Deleted:    doc.deleted,
	}
}

func (f *fakeRemote) newETag() string {
	return fmt.Sprintf("et-%d", f.seq)
}

// --- Server-side test helpers ------------------------------------------------

// seed adds a record as if another device had pushed it.
func (f *fakeRemote) seed(entityType, payload string, modifiedAt time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("r-%d", f.nextID)
	f.seq++
	f.docs[id] = &remoteDoc{
		id:         id,
		entityType: entityType,
		payload:    json.RawMessage(payload),
		etag:       f.newETag(),
		modifiedAt: modifiedAt,
		seq:        f.seq,
	}
	return id
}

// edit mutates a record as if another device had pushed the change.
func (f *fakeRemote) edit(id, payload string, modifiedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.docs[id]
	f.seq++
	doc.seq = f.seq
	doc.fromClient = false
	doc.payload = json.RawMessage(payload)
	doc.etag = f.newETag()
	doc.modifiedAt = modifiedAt
}

// delete tombstones a record as if another device had deleted it.
func (f *fakeRemote) delete(id string, modifiedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.docs[id]
	f.seq++
	doc.seq = f.seq
	doc.fromClient = false
	doc.deleted = true
	doc.payload = nil
	doc.etag = f.newETag()
	doc.modifiedAt = modifiedAt
}

// doc returns a snapshot of one record for assertions.
func (f *fakeRemote) doc(id string) (remoteDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[id]
	if !ok {
		return remoteDoc{}, false
	}
	cp := *doc
	return cp, true
}

func (f *fakeRemote) docCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, doc := range f.docs {
		if !doc.deleted {
			n++
		}
	}
	return n
}
