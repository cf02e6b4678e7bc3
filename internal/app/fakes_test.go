package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cyphire/api/internal/auth"
	"cyphire/api/internal/blob"
	"cyphire/api/internal/config"
	"cyphire/api/internal/errs"
	"cyphire/api/internal/metrics"
	"cyphire/api/internal/realtime"
	"cyphire/api/internal/search"
	"cyphire/api/internal/store"
)

// fakeStore is an in-memory DataStore with the same transition rules as the
// Postgres store. The Fn hooks override single methods.
type fakeStore struct {
	mu          sync.Mutex
	now         func() time.Time
	users       map[string]store.User
	engagements map[string]store.Engagement
	logs        map[string]store.MessageLog
	messages    map[string][]store.Message
	nextID      int64

	pingFn          func(context.Context) error
	appendMessageFn func(context.Context, store.Message) (store.Message, error)
	getUsersFn      func(context.Context, []string) (map[string]store.User, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:         time.Now,
		users:       make(map[string]store.User),
		engagements: make(map[string]store.Engagement),
		logs:        make(map[string]store.MessageLog),
		messages:    make(map[string][]store.Message),
	}
}

func (f *fakeStore) seed(eng store.Engagement) store.Engagement {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eng.CreatedAt.IsZero() {
		eng.CreatedAt = f.now()
	}
	f.engagements[eng.ID] = eng
	return eng
}

// expire moves the log's expiry into the past.
func (f *fakeStore) expire(engagementID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := f.logs[engagementID]
	past := f.now().Add(-time.Minute)
	log.EngagementID = engagementID
	log.ExpireAt = &past
	f.logs[engagementID] = log
}

func (f *fakeStore) live(engagementID string) bool {
	log, ok := f.logs[engagementID]
	return !ok || log.ExpireAt == nil || log.ExpireAt.After(f.now())
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) UpsertUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUsers(ctx context.Context, ids []string) (map[string]store.User, error) {
	if f.getUsersFn != nil {
		return f.getUsersFn(ctx, ids)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.User, len(ids))
	for _, id := range ids {
		if user, ok := f.users[id]; ok {
			out[id] = user
		}
	}
	return out, nil
}

func (f *fakeStore) CreateEngagement(_ context.Context, eng store.Engagement) (store.Engagement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.engagements {
		if existing.TaskID == eng.TaskID {
			return store.Engagement{}, errs.ErrAlreadyAssigned
		}
	}
	eng.CreatedAt = f.now()
	f.engagements[eng.ID] = eng
	return eng, nil
}

func (f *fakeStore) GetEngagement(_ context.Context, id string) (store.Engagement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eng, ok := f.engagements[id]
	if !ok {
		return store.Engagement{}, errs.ErrNotFound
	}
	return eng, nil
}

func (f *fakeStore) Finalise(_ context.Context, id string, asOwner, asWorker bool, retention time.Duration) (store.FinaliseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eng, ok := f.engagements[id]
	if !ok {
		return store.FinaliseResult{}, errs.ErrNotFound
	}
	if eng.Finalised() {
		return store.FinaliseResult{Engagement: eng}, nil
	}
	eng.OwnerFinalised = eng.OwnerFinalised || asOwner
	eng.WorkerFinalised = eng.WorkerFinalised || asWorker
	result := store.FinaliseResult{}
	if eng.OwnerFinalised && eng.WorkerFinalised {
		now := f.now()
		eng.FinalisedAt = &now
		log := f.logs[id]
		if log.ExpireAt == nil {
			expireAt := now.Add(retention)
			log = store.MessageLog{EngagementID: id, ExpireAt: &expireAt, CreatedAt: now}
			f.logs[id] = log
		}
		result.Transitioned = true
		result.ExpireAt = log.ExpireAt
	}
	f.engagements[id] = eng
	result.Engagement = eng
	return result, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if f.appendMessageFn != nil {
		return f.appendMessageFn(ctx, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	eng, ok := f.engagements[msg.EngagementID]
	if !ok {
		return store.Message{}, errs.ErrNotFound
	}
	if eng.Finalised() {
		return store.Message{}, errs.ErrChatClosed
	}
	if _, ok := f.logs[msg.EngagementID]; !ok {
		f.logs[msg.EngagementID] = store.MessageLog{EngagementID: msg.EngagementID, CreatedAt: f.now()}
	}
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = f.now()
	if msg.Attachments == nil {
		msg.Attachments = []store.Attachment{}
	}
	f.messages[msg.EngagementID] = append(f.messages[msg.EngagementID], msg)
	return msg, nil
}

func (f *fakeStore) ListMessages(_ context.Context, id string, after int64, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Message{}
	if !f.live(id) {
		return out, nil
	}
	for _, msg := range f.messages[id] {
		if msg.ID <= after {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetMessageLog(_ context.Context, id string) (store.MessageLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.logs[id]
	if !ok {
		return store.MessageLog{}, errs.ErrNotFound
	}
	return log, nil
}

func (f *fakeStore) messageCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[id])
}

type fakeBlobs struct {
	mu       sync.Mutex
	uploaded []blob.Object
	deleted  []string
	failOn   string
}

func (b *fakeBlobs) Upload(_ context.Context, engagementID string, file blob.File) (blob.Object, error) {
	if file.Name == b.failOn {
		return blob.Object{}, errors.New("bucket unavailable")
	}
	if file.Reader != nil {
		if _, err := io.Copy(io.Discard, file.Reader); err != nil {
			return blob.Object{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("att_%d", len(b.uploaded)+1)
	obj := blob.Object{
		ID:          id,
		Key:         blob.ObjectKey(engagementID, id, file.Name),
		URL:         "https://files.test/" + id,
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        file.Size,
	}
	b.uploaded = append(b.uploaded, obj)
	return obj, nil
}

func (b *fakeBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, key)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *fakePublisher) Publish(_ context.Context, evt realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *fakePublisher) ofType(typ realtime.EventType) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, evt := range p.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type fakeSearcher struct {
	mu      sync.Mutex
	indexed []store.Message
	queries []search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearcher) IndexMessage(msg store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, msg)
}

type fakeProfiles struct {
	mu          sync.Mutex
	entries     map[string]store.User
	invalidated []string
}

func (p *fakeProfiles) GetMany(_ context.Context, ids []string) (map[string]store.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]store.User)
	for _, id := range ids {
		if user, ok := p.entries[id]; ok {
			out[id] = user
		}
	}
	return out, nil
}

func (p *fakeProfiles) SetMany(_ context.Context, users []store.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries == nil {
		p.entries = make(map[string]store.User)
	}
	for _, user := range users {
		p.entries[user.ID] = user
	}
	return nil
}

func (p *fakeProfiles) Invalidate(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
	p.invalidated = append(p.invalidated, id)
	return nil
}

type testEnv struct {
	store    *fakeStore
	blobs    *fakeBlobs
	events   *fakePublisher
	search   *fakeSearcher
	profiles *fakeProfiles
	service  *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		blobs:    &fakeBlobs{},
		events:   &fakePublisher{},
		search:   &fakeSearcher{},
		profiles: &fakeProfiles{},
	}
	env.service = New(config.Config{
		JWTSecret:      testSecret,
		ChatRetention:  7 * 24 * time.Hour,
		MaxAttachments: 3,
		MaxUploadBytes: 1 << 20,
	}, Deps{
		Store:    env.store,
		Blobs:    env.blobs,
		Profiles: env.profiles,
		Events:   env.events,
		Search:   env.search,
		Metrics:  metrics.New(nil),
	})
	env.store.seed(store.Engagement{ID: "eng_1", TaskID: "task_1", OwnerID: "owner", WorkerID: "worker"})
	return env
}

const testSecret = "test-secret"

var (
	ownerCaller    = auth.Caller{ID: "owner", Name: "Olive Owner"}
	workerCaller   = auth.Caller{ID: "worker", Name: "Wes Worker"}
	adminCaller    = auth.Caller{ID: "admin", Name: "Ada Admin", IsAdmin: true}
	strangerCaller = auth.Caller{ID: "stranger", Name: "Sam Stranger"}
)
