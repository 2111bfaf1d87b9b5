// Package status keeps the observable per-file state of a batch.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
)

// Sink receives every accepted UploadTask change, e.g. to fan it out to
// other processes.
type Sink interface {
	Publish(ctx context.Context, batchID string, task models.UploadTask) error
}

const sinkTimeout = 2 * time.Second

// Tracker owns the UploadTasks of one batch. It enforces the stage order of
// each task and pushes every accepted change to subscribers and sinks.
// Subscribers never block the writer: a full subscriber buffer drops the
// update, and Snapshot always has the latest state.
type Tracker struct {
	batchID string
	logger  *slog.Logger
	sinks   []Sink
	now     func() time.Time

	mu      sync.Mutex
	tasks   map[string]*models.UploadTask
	order   []string
	subs    map[int]chan models.UploadTask
	nextSub int
	closed  bool
}

func NewTracker(batchID string, logger *slog.Logger, sinks ...Sink) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		batchID: batchID,
		logger:  logger.With("batchId", batchID),
		sinks:   sinks,
		now:     time.Now,
		tasks:   make(map[string]*models.UploadTask),
		subs:    make(map[int]chan models.UploadTask),
	}
}

func (t *Tracker) BatchID() string { return t.batchID }

// Register adds a task in the waiting stage. File names are unique per batch.
func (t *Tracker) Register(task models.UploadTask) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("tracker for batch %s is closed", t.batchID)
	}
	if _, ok := t.tasks[task.FileName]; ok {
		t.mu.Unlock()
		return fmt.Errorf("task %q already registered", task.FileName)
	}
	task.Stage = models.StageWaiting
	task.ProgressPercent = 0
	task.ErrorMessage = ""
	task.BatchID = t.batchID
	task.UpdatedAt = t.now()
	t.tasks[task.FileName] = &task
	t.order = append(t.order, task.FileName)
	t.broadcastLocked(task)
	t.mu.Unlock()

	t.publish(task)
	return nil
}

// Advance moves a task to stage with the given progress. A lower percent
// than the current one keeps the current one.
func (t *Tracker) Advance(fileName string, stage models.Stage, percent int) bool {
	return t.update(fileName, func(task *models.UploadTask) error {
		if stage == models.StageError {
			return errors.New("use Fail to move a task to the error stage")
		}
		next, cur := stage.Rank(task.FileKind), task.Stage.Rank(task.FileKind)
		if next < 0 {
			return fmt.Errorf("stage %s is not part of the %s pipeline", stage, task.FileKind)
		}
		if next < cur {
			return fmt.Errorf("stage %s would move back from %s", stage, task.Stage)
		}
		if next == cur && clampPercent(percent) <= task.ProgressPercent {
			return errUnchanged
		}
		task.Stage = stage
		task.ProgressPercent = max(task.ProgressPercent, clampPercent(percent))
		return nil
	})
}

// Progress updates the percentage within the current stage.
func (t *Tracker) Progress(fileName string, percent int) bool {
	return t.update(fileName, func(task *models.UploadTask) error {
		p := clampPercent(percent)
		if p < task.ProgressPercent {
			return fmt.Errorf("progress %d would move back from %d", p, task.ProgressPercent)
		}
		if p == task.ProgressPercent {
			return errUnchanged
		}
		task.ProgressPercent = p
		return nil
	})
}

// Fail moves a task to the error stage with err's message.
func (t *Tracker) Fail(fileName string, err error) bool {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return t.update(fileName, func(task *models.UploadTask) error {
		task.Stage = models.StageError
		task.ErrorMessage = msg
		return nil
	})
}

func (t *Tracker) Complete(fileName string) bool {
	return t.Advance(fileName, models.StageCompleted, 100)
}

func (t *Tracker) Get(fileName string) (models.UploadTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[fileName]
	if !ok {
		return models.UploadTask{}, false
	}
	return *task, true
}

// Snapshot returns copies of all tasks in registration order.
func (t *Tracker) Snapshot() []models.UploadTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.UploadTask, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.tasks[name])
	}
	return out
}

// Settled reports whether every registered task is in a terminal stage.
func (t *Tracker) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, task := range t.tasks {
		if !task.Stage.Terminal() {
			return false
		}
	}
	return true
}

// Subscribe returns a channel of task updates and a func that ends the
// subscription. The channel is closed on unsubscribe or Close.
func (t *Tracker) Subscribe(buffer int) (<-chan models.UploadTask, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.UploadTask, buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends all subscriptions. Later updates are discarded.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

var errUnchanged = errors.New("unchanged")

func (t *Tracker) update(fileName string, mutate func(*models.UploadTask) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	task, ok := t.tasks[fileName]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("Update for unknown task ignored.", "fileName", fileName)
		return false
	}
	if task.Stage.Terminal() {
		stage := task.Stage
		t.mu.Unlock()
		t.logger.Debug("Update for settled task ignored.", "fileName", fileName, "stage", stage)
		return false
	}

	next := *task
	if err := mutate(&next); err != nil {
		t.mu.Unlock()
		if !errors.Is(err, errUnchanged) {
			t.logger.Warn("Rejected task transition.", "fileName", fileName, "stage", task.Stage, "error", err)
		}
		return false
	}
	next.UpdatedAt = t.now()
	*task = next
	t.broadcastLocked(next)
	t.mu.Unlock()

	t.publish(next)
	return true
}

func (t *Tracker) broadcastLocked(task models.UploadTask) {
	for _, ch := range t.subs {
		select {
		case ch <- task:
		default:
			t.logger.Debug("Subscriber buffer full, update dropped.", "fileName", task.FileName)
		}
	}
}

func (t *Tracker) publish(task models.UploadTask) {
	for _, sink := range t.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Publish(ctx, t.batchID, task); err != nil {
			t.logger.Warn("Status sink publish failed.", "fileName", task.FileName, "error", err)
		}
		cancel()
	}
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
