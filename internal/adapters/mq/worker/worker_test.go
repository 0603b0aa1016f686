package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/adapters/mq/queue"
	"github.com/okian/trustrep/internal/adapters/mq/worker"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
	logging "github.com/okian/trustrep/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logging.Init()
}

type mockQueue struct {
	ch chan queue.Job
}

func newMockQueue() *mockQueue {
	return &mockQueue{ch: make(chan queue.Job, 128)}
}

func (mq *mockQueue) Dequeue(ctx context.Context) <-chan queue.Job { return mq.ch }

func (mq *mockQueue) Close() error {
	close(mq.ch)
	return nil
}

func (mq *mockQueue) add(id string) { mq.ch <- queue.Job{AssetID: id, EnqueuedAt: time.Now()} }

// fakeExecutor records executions. Assets listed in block wait until their
// context is cancelled.
type fakeExecutor struct {
	mu       sync.Mutex
	executed map[string]int
	fail     map[string]error
	block    map[string]chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		executed: make(map[string]int),
		fail:     make(map[string]error),
		block:    make(map[string]chan struct{}),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, assetID string, emit func(submission.Event)) error {
	f.mu.Lock()
	f.executed[assetID]++
	err := f.fail[assetID]
	started := f.block[assetID]
	f.mu.Unlock()

	emit(submission.Event{AssetID: assetID, Stage: model.StageIdle})
	if started != nil {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	emit(submission.Event{AssetID: assetID, Stage: model.StageComplete})
	return nil
}

func (f *fakeExecutor) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed[id]
}

type fakeGuard struct {
	mu       sync.Mutex
	released []string
}

func (g *fakeGuard) Release(ctx context.Context, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, id)
}

func (g *fakeGuard) has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.released {
		if r == id {
			return true
		}
	}
	return false
}

type hookCall struct {
	job       queue.Job
	err       error
	cancelled bool
}

type hookRecorder struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *hookRecorder) hook(ctx context.Context, job queue.Job, err error, cancelled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{job: job, err: err, cancelled: cancelled})
}

func (h *hookRecorder) get(id string) (hookCall, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.calls {
		if c.job.AssetID == id {
			return c, true
		}
	}
	return hookCall{}, false
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a running worker", t, func() {
		q := newMockQueue()
		exec := newFakeExecutor()
		guard := &fakeGuard{}
		hooks := &hookRecorder{}
		w := worker.NewInMemoryWorker(q, exec, guard, worker.WithName("test-worker"), worker.WithHook(hooks.hook))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a job succeeds", func() {
			q.add("asset-1")

			convey.So(eventually(func() bool { return guard.has("asset-1") }), convey.ShouldBeTrue)
			convey.So(exec.count("asset-1"), convey.ShouldEqual, 1)
			call, ok := hooks.get("asset-1")
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(call.err, convey.ShouldBeNil)
			convey.So(call.cancelled, convey.ShouldBeFalse)
		})

		convey.Convey("When a job fails", func() {
			exec.fail["asset-2"] = errors.New("registry down")
			q.add("asset-2")

			convey.Convey("Then the error reaches the hook and the slot is still released", func() {
				convey.So(eventually(func() bool { return guard.has("asset-2") }), convey.ShouldBeTrue)
				call, _ := hooks.get("asset-2")
				convey.So(call.err, convey.ShouldNotBeNil)
				convey.So(call.err.Error(), convey.ShouldContainSubstring, "registry down")
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()

			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})
	})

	convey.Convey("Given a worker whose queue closes", t, func() {
		q := newMockQueue()
		w := worker.NewInMemoryWorker(q, newFakeExecutor(), nil)
		done := make(chan struct{})
		go func() {
			w.Run(context.Background())
			close(done)
		}()

		_ = q.Close()

		convey.Convey("Then Run returns", func() {
			select {
			case <-done:
				convey.So(true, convey.ShouldBeTrue)
			case <-time.After(time.Second):
				convey.So("worker still running", convey.ShouldBeEmpty)
			}
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a started pool", t, func() {
		q := newMockQueue()
		exec := newFakeExecutor()
		guard := &fakeGuard{}
		hooks := &hookRecorder{}
		pool := worker.NewPool(4, q, exec, guard, worker.WithHook(hooks.hook))
		convey.So(pool.Size(), convey.ShouldEqual, 4)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.Convey("When many jobs are queued", func() {
			const n = 60
			for i := 0; i < n; i++ {
				q.add(fmt.Sprintf("asset-%d", i))
			}

			convey.Convey("Then every job runs exactly once", func() {
				convey.So(eventually(func() bool {
					for i := 0; i < n; i++ {
						if !guard.has(fmt.Sprintf("asset-%d", i)) {
							return false
						}
					}
					return true
				}), convey.ShouldBeTrue)
				for i := 0; i < n; i++ {
					convey.So(exec.count(fmt.Sprintf("asset-%d", i)), convey.ShouldEqual, 1)
				}
				convey.So(pool.Running(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When a running job is cancelled", func() {
			started := make(chan struct{})
			exec.mu.Lock()
			exec.block["slow"] = started
			exec.mu.Unlock()
			q.add("slow")
			<-started

			convey.So(pool.Running(), convey.ShouldEqual, 1)
			convey.So(pool.Cancel("slow"), convey.ShouldBeTrue)

			convey.Convey("Then the hook sees the cancellation", func() {
				convey.So(eventually(func() bool { return guard.has("slow") }), convey.ShouldBeTrue)
				call, _ := hooks.get("slow")
				convey.So(call.cancelled, convey.ShouldBeTrue)
				convey.So(errors.Is(call.err, context.Canceled), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When cancelling a job that is not running", func() {
			convey.So(pool.Cancel("missing"), convey.ShouldBeFalse)
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			convey.So(pool.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})
	})

	convey.Convey("Given a pool with the default size", t, func() {
		pool := worker.NewPool(0, newMockQueue(), newFakeExecutor(), nil)
		convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
	})
}
