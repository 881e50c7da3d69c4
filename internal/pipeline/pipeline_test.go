package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/imagestore"
	"github.com/your-org/grapic/internal/models"
	"github.com/your-org/grapic/internal/progress"
	"github.com/your-org/grapic/internal/storage"
	"github.com/your-org/grapic/internal/vision"
)

type fakeExtractor struct {
	fn func(ctx context.Context, data []byte) (vision.Faces, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte) (vision.Faces, error) {
	return f.fn(ctx, data)
}

func facesFor(byImage map[string][]vision.Face) *fakeExtractor {
	return &fakeExtractor{fn: func(_ context.Context, data []byte) (vision.Faces, error) {
		return vision.FacesOf(byImage[string(data)]...), nil
	}}
}

func face(v ...float32) vision.Face {
	return vision.Face{Embedding: v, Box: models.Box{W: 10, H: 10}}
}

type testEnv struct {
	store   *storage.MemoryStore
	images  *imagestore.LocalStore
	emb     embeddings.Store
	tracker *progress.MemoryTracker
	event   *models.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	images, err := imagestore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemoryStore()
	ev := &models.Event{Name: "wedding", AccessCode: uuid.NewString()[:8]}
	if err := store.CreateEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		store:   store,
		images:  images,
		emb:     embeddings.NewLinearStore(store, 2),
		tracker: progress.NewMemoryTracker(),
		event:   ev,
	}
}

func (e *testEnv) addPhoto(t *testing.T, content string) *models.Photo {
	t.Helper()
	ctx := context.Background()
	p := &models.Photo{ID: uuid.New(), EventID: e.event.ID}
	p.Filename = imagestore.StoredName(p.ID)
	if err := e.images.Put(ctx, imagestore.PhotoKey(e.event.ID, p.Filename), []byte(content), "image/jpeg"); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreatePhoto(ctx, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *testEnv) processor(x vision.Extractor, limits Limits) *Processor {
	return NewProcessor(e.store, e.images, x, e.emb, e.tracker, limits)
}

func (e *testEnv) photo(t *testing.T, id uuid.UUID) *models.Photo {
	t.Helper()
	p, err := e.store.GetPhoto(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *testEnv) counters(t *testing.T) models.ProgressCounters {
	t.Helper()
	c, err := e.tracker.Get(context.Background(), e.event.ID)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestProcessStoresFaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "two")
	proc := env.processor(facesFor(map[string][]vision.Face{"two": {face(1, 0), face(0, 1)}}), Limits{})

	out, err := proc.Process(ctx, NewTask(p.ID, p.EventID, 0))
	if err != nil || out != OutcomeDone {
		t.Fatalf("Process = %s, %v", out, err)
	}
	got := env.photo(t, p.ID)
	if got.Status != models.PhotoStatusDone || got.FaceCount != 2 || got.ProcessingTimeMs == nil {
		t.Errorf("photo = %+v", got)
	}
	rows, _ := env.store.ListEmbeddings(ctx, env.event.ID)
	if len(rows) != 2 {
		t.Errorf("stored %d embeddings, want 2", len(rows))
	}
	if c := env.counters(t); c.Completed != 1 || c.Processing != 0 || c.Failed != 0 {
		t.Errorf("counters = %+v", c)
	}
}

func TestProcessZeroFacesIsDone(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPhoto(t, "landscape")
	proc := env.processor(facesFor(nil), Limits{})

	if out, err := proc.Process(context.Background(), NewTask(p.ID, p.EventID, 0)); err != nil || out != OutcomeDone {
		t.Fatalf("Process = %s, %v", out, err)
	}
	if got := env.photo(t, p.ID); got.Status != models.PhotoStatusDone || got.FaceCount != 0 {
		t.Errorf("photo = %s with %d faces, want done with 0", got.Status, got.FaceCount)
	}
}

func TestProcessFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "img")

	// First attempt stores one face, then the model fails.
	x := &fakeExtractor{fn: func(context.Context, []byte) (vision.Faces, error) {
		return vision.OneShot(func(yield func(vision.Face, error) bool) {
			if !yield(face(1, 0), nil) {
				return
			}
			yield(vision.Face{}, fmt.Errorf("%w: model crashed", vision.ErrExtraction))
		}), nil
	}}
	proc := env.processor(x, Limits{})

	if out, err := proc.Process(ctx, NewTask(p.ID, p.EventID, 0)); err != nil || out != OutcomeFailed {
		t.Fatalf("first Process = %s, %v", out, err)
	}
	got := env.photo(t, p.ID)
	if got.Status != models.PhotoStatusError || !strings.Contains(got.ErrorMessage, "model crashed") {
		t.Fatalf("photo after failure = %+v", got)
	}
	if c := env.counters(t); c.Failed != 1 || c.Processing != 0 {
		t.Errorf("counters after failure = %+v", c)
	}

	x.fn = facesFor(map[string][]vision.Face{"img": {face(0, 1), face(1, 1)}}).fn
	if out, err := proc.Process(ctx, NewTask(p.ID, p.EventID, 1)); err != nil || out != OutcomeDone {
		t.Fatalf("retry Process = %s, %v", out, err)
	}
	rows, _ := env.store.ListEmbeddings(ctx, env.event.ID)
	if len(rows) != 2 {
		t.Errorf("stored %d embeddings after retry, want 2", len(rows))
	}
	c := env.counters(t)
	if c.Completed != 1 || c.Failed != 0 || c.Processing != 0 {
		t.Errorf("counters after retry = %+v", c)
	}
}

func TestProcessStoreWriteFailureIsNotDone(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPhoto(t, "img")
	proc := env.processor(facesFor(map[string][]vision.Face{"img": {face(1, 0, 0)}}), Limits{})

	if out, _ := proc.Process(context.Background(), NewTask(p.ID, p.EventID, 0)); out != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	if got := env.photo(t, p.ID); got.Status != models.PhotoStatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestProcessFailureDropsPartialFaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "img")
	// The second face has the wrong dimension, so its write fails after the
	// first one was stored.
	proc := env.processor(facesFor(map[string][]vision.Face{"img": {face(1, 0), face(0, 1, 0)}}), Limits{})

	if out, _ := proc.Process(ctx, NewTask(p.ID, p.EventID, 0)); out != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	rows, _ := env.store.ListEmbeddings(ctx, env.event.ID)
	if len(rows) != 0 {
		t.Errorf("%d embeddings left after failure, want 0", len(rows))
	}
	got, err := env.emb.QuerySimilar(ctx, env.event.ID, []float32{1, 0}, 0.1, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("QuerySimilar = %+v, %v; want no matches", got, err)
	}
}

func TestProcessMissingImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "img")
	if err := env.images.Delete(ctx, imagestore.PhotoKey(p.EventID, p.Filename)); err != nil {
		t.Fatal(err)
	}
	proc := env.processor(facesFor(nil), Limits{})

	if out, _ := proc.Process(ctx, NewTask(p.ID, p.EventID, 0)); out != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", out)
	}
}

func TestProcessSkipsClaimedPhoto(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "img")
	if _, ok, _ := env.store.ClaimPhoto(ctx, p.ID, time.Now()); !ok {
		t.Fatal("claim failed")
	}
	proc := env.processor(facesFor(nil), Limits{})

	if out, err := proc.Process(ctx, NewTask(p.ID, p.EventID, 0)); err != nil || out != OutcomeSkipped {
		t.Errorf("Process = %s, %v, want skipped", out, err)
	}
	if out, _ := proc.Process(ctx, NewTask(uuid.New(), p.EventID, 0)); out != OutcomeSkipped {
		t.Errorf("unknown photo outcome = %s, want skipped", out)
	}
}

func TestProcessHardLimit(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPhoto(t, "img")
	x := &fakeExtractor{fn: func(ctx context.Context, _ []byte) (vision.Faces, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	proc := env.processor(x, Limits{Soft: 10 * time.Millisecond, Hard: 50 * time.Millisecond})

	if out, _ := proc.Process(context.Background(), NewTask(p.ID, p.EventID, 0)); out != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	got := env.photo(t, p.ID)
	if got.Status != models.PhotoStatusError || got.ErrorMessage != ErrHardLimit.Error() {
		t.Errorf("photo = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestProcessRecoversPanic(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPhoto(t, "img")
	x := &fakeExtractor{fn: func(context.Context, []byte) (vision.Faces, error) {
		panic("corrupt tensor")
	}}

	if out, _ := env.processor(x, Limits{}).Process(context.Background(), NewTask(p.ID, p.EventID, 0)); out != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	if got := env.photo(t, p.ID); !strings.Contains(got.ErrorMessage, "corrupt tensor") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestLocalPoolProcessesAll(t *testing.T) {
	env := newTestEnv(t)
	proc := env.processor(facesFor(map[string][]vision.Face{"a": {face(1, 0)}}), Limits{})
	pool := NewLocalPool(proc, 2, 1)

	var ids []uuid.UUID
	for range 3 {
		p := env.addPhoto(t, "a")
		ids = append(ids, p.ID)
		if _, err := pool.Submit(context.Background(), NewTask(p.ID, p.EventID, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}

	for _, id := range ids {
		if got := env.photo(t, id); got.Status != models.PhotoStatusDone {
			t.Errorf("photo %s status = %s, want done", id, got.Status)
		}
	}
	if c := env.counters(t); c.Completed != 3 || c.Processing != 0 {
		t.Errorf("counters = %+v", c)
	}
	if _, err := pool.Submit(context.Background(), NewTask(uuid.New(), env.event.ID, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}

type blockingHandler struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (h *blockingHandler) Process(context.Context, models.PhotoTask) (Outcome, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-h.release
	return OutcomeDone, nil
}

func TestLocalPoolDeduplicates(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	pool := NewLocalPool(h, 1, 4)
	task := NewTask(uuid.New(), uuid.New(), 0)

	for range 3 {
		if _, err := pool.Submit(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}
	pool.mu.Lock()
	n := len(pool.pending)
	pool.mu.Unlock()
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
	close(h.release)
	pool.Close()
	if h.calls != 1 {
		t.Errorf("handler ran %d times, want 1", h.calls)
	}
}

func TestLocalPoolSubmitHonoursContext(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	pool := NewLocalPool(h, 1, 1)
	defer func() {
		close(h.release)
		pool.Close()
	}()

	// One task runs, one fills the queue.
	pool.Submit(context.Background(), NewTask(uuid.New(), uuid.New(), 0))
	for len(pool.jobs) > 0 {
		time.Sleep(time.Millisecond)
	}
	pool.Submit(context.Background(), NewTask(uuid.New(), uuid.New(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Submit(ctx, NewTask(uuid.New(), uuid.New(), 0)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit on full queue = %v, want deadline exceeded", err)
	}
}

func TestLocalPoolRetryUnsupported(t *testing.T) {
	pool := NewLocalPool(&blockingHandler{}, 1, 1)
	defer pool.Close()
	if _, err := pool.RetryFailed(context.Background(), uuid.New(), 10); !errors.Is(err, ErrRetryUnsupported) {
		t.Errorf("RetryFailed = %v, want ErrRetryUnsupported", err)
	}
}

func TestRetryPolicyDue(t *testing.T) {
	policy := DefaultRetryPolicy()
	failedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		retries int
		status  models.PhotoStatus
		after   time.Duration
		want    bool
	}{
		{"first retry waits", 0, models.PhotoStatusError, 4 * time.Minute, false},
		{"first retry due", 0, models.PhotoStatusError, 5 * time.Minute, true},
		{"second retry waits", 1, models.PhotoStatusError, 10 * time.Minute, false},
		{"second retry due", 1, models.PhotoStatusError, 15 * time.Minute, true},
		{"third retry due", 2, models.PhotoStatusError, time.Hour, true},
		{"exhausted", 3, models.PhotoStatusError, 24 * time.Hour, false},
		{"not failed", 0, models.PhotoStatusDone, time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Photo{Status: tt.status, RetryCount: tt.retries, ProcessedAt: &failedAt}
			if got := policy.Due(p, failedAt.Add(tt.after)); got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	tasks []models.PhotoTask
}

func (r *recordingExecutor) Submit(_ context.Context, task models.PhotoTask) (JobHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return handleOf(task), nil
}

func (r *recordingExecutor) RetryFailed(context.Context, uuid.UUID, int) (JobHandle, error) {
	return JobHandle{}, ErrRetryUnsupported
}

func (r *recordingExecutor) Close() error { return nil }

// failPhoto drives a photo to error with the given retry count.
func (e *testEnv) failPhoto(t *testing.T, retries int) *models.Photo {
	t.Helper()
	ctx := context.Background()
	p := e.addPhoto(t, "img")
	if _, ok, _ := e.store.ClaimPhoto(ctx, p.ID, time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if err := e.store.FailPhoto(ctx, p.ID, "boom", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	for i := range retries {
		if ok, _ := e.store.ClaimRetry(ctx, p.ID, i); !ok {
			t.Fatalf("claim retry %d failed", i)
		}
	}
	return p
}

func TestSweeperRetriesDuePhotos(t *testing.T) {
	env := newTestEnv(t)
	fresh := env.failPhoto(t, 0)
	spent := env.failPhoto(t, 3)
	exec := &recordingExecutor{}
	sw := NewSweeper(env.store, exec, env.tracker, DefaultRetryPolicy(), 0)

	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Waiting != 1 || rep.Exhausted != 1 || rep.Retried != 0 {
		t.Errorf("immediate sweep = %+v", rep)
	}

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rep, err = sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Retried != 1 || rep.Exhausted != 1 {
		t.Errorf("later sweep = %+v", rep)
	}
	if len(exec.tasks) != 1 || exec.tasks[0].PhotoID != fresh.ID || exec.tasks[0].Attempt != 1 {
		t.Errorf("submitted = %+v", exec.tasks)
	}
	if got := env.photo(t, fresh.ID); got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got := env.photo(t, spent.ID); got.Status != models.PhotoStatusError || got.RetryCount != 3 {
		t.Errorf("exhausted photo = %s retries %d", got.Status, got.RetryCount)
	}
}

func TestSweeperFailsStalePhotos(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "img")
	if _, ok, _ := env.store.ClaimPhoto(ctx, p.ID, time.Now().Add(-time.Hour)); !ok {
		t.Fatal("claim failed")
	}
	env.tracker.Increment(ctx, env.event.ID, progress.Processing, 1)

	sw := NewSweeper(env.store, &recordingExecutor{}, env.tracker, DefaultRetryPolicy(), 10*time.Minute)
	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Stale != 1 {
		t.Errorf("stale = %d, want 1", rep.Stale)
	}
	if got := env.photo(t, p.ID); got.Status != models.PhotoStatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if c := env.counters(t); c.Processing != 0 || c.Failed != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestSweeperRecoversOrphanedPendingPhotos(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lost := env.addPhoto(t, "img")
	exec := &recordingExecutor{}
	sw := NewSweeper(env.store, exec, env.tracker, DefaultRetryPolicy(), 10*time.Minute)

	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Orphaned != 0 {
		t.Errorf("fresh pending photo reclaimed: %+v", rep)
	}

	sw.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	rep, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Orphaned != 1 {
		t.Fatalf("orphaned = %d, want 1", rep.Orphaned)
	}
	if got := env.photo(t, lost.ID); got.Status != models.PhotoStatusError {
		t.Errorf("orphaned photo status = %s, want error", got.Status)
	}
	if c := env.counters(t); c.Failed != 1 || c.Processing != 0 {
		t.Errorf("counters = %+v", c)
	}

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rep, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Retried != 1 || len(exec.tasks) != 1 {
		t.Fatalf("retry sweep = %+v, submitted %d", rep, len(exec.tasks))
	}
	if task := exec.tasks[0]; task.PhotoID != lost.ID || task.Attempt != 1 {
		t.Errorf("task = %+v", task)
	}
}

func TestProcessorClaimsLateTaskOfOrphanedPhoto(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.addPhoto(t, "one")
	sw := NewSweeper(env.store, &recordingExecutor{}, env.tracker, DefaultRetryPolicy(), time.Minute)
	sw.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := sw.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	proc := env.processor(facesFor(map[string][]vision.Face{"one": {face(1, 0)}}), Limits{})
	out, err := proc.Process(ctx, NewTask(p.ID, p.EventID, 0))
	if err != nil || out != OutcomeDone {
		t.Fatalf("Process = %s, %v", out, err)
	}
	if c := env.counters(t); c.Failed != 0 || c.Completed != 1 {
		t.Errorf("counters = %+v, want the failure undone", c)
	}
}

func TestResubmitFailedKeepsBudget(t *testing.T) {
	env := newTestEnv(t)
	p := env.failPhoto(t, 1)
	env.failPhoto(t, 0)
	env.addPhoto(t, "pending")
	exec := &recordingExecutor{}

	n, err := ResubmitFailed(context.Background(), env.store, exec, env.event.ID, 1, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(exec.tasks) != 1 {
		t.Fatalf("resubmitted %d, want 1", n)
	}
	if exec.tasks[0].PhotoID != p.ID || exec.tasks[0].JobID != p.ID.String()+":req-1" {
		t.Errorf("task = %+v", exec.tasks[0])
	}
	if got := env.photo(t, p.ID); got.RetryCount != 1 {
		t.Errorf("retry count = %d, want unchanged 1", got.RetryCount)
	}
}

func TestWorkerHandlesRetryRequest(t *testing.T) {
	env := newTestEnv(t)
	env.failPhoto(t, 0)
	env.failPhoto(t, 0)
	exec := &recordingExecutor{}
	w := NewWorker(env.processor(facesFor(nil), Limits{}), env.store, exec)

	err := w.HandleRetry(context.Background(), models.RetryRequest{RequestID: "r", EventID: env.event.ID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.tasks) != 2 {
		t.Errorf("resubmitted %d tasks, want 2", len(exec.tasks))
	}
}
