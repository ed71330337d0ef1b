package transfer

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nozzle/throttler"

	"github.com/scaffoldly/rowdy/internal/classify"
	"github.com/scaffoldly/rowdy/internal/retry"
	"github.com/scaffoldly/rowdy/transfer/ociclient"
)

// concurrencyOnce caches the process-wide CONCURRENCY budget of spec.md
// §4.F: clamp(cpuCount, 1, 10), computed lazily once per process.
var concurrencyOnce = onceValue(computeConcurrency)

// Concurrency returns the process-wide upload/fetch parallelism budget.
func Concurrency() int { return concurrencyOnce() }

// progressInterval is the cadence of aggregate progress summaries, per
// spec.md §4.F step 6.
const progressInterval = 1 * time.Second

// itemProgress tracks per-item byte counters.
type itemProgress struct {
	received int64
	sent     int64
	total    int64
}

// Executor implements spec.md §4.F: it concurrently performs OCI chunked
// uploads with existence probes, streaming copy, and retries of transient
// failures until a fatal outcome or context cancellation.
type Executor struct {
	Client      *ociclient.Client
	Concurrency int
	// OnProgress, if set, is called at progressInterval while the
	// transfer is active with a human-readable summary.
	OnProgress func(message string)

	mu        sync.Mutex
	progress  map[string]*itemProgress
}

// NewExecutor returns an Executor. concurrency <= 0 uses Concurrency().
func NewExecutor(client *ociclient.Client, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = Concurrency()
	}
	return &Executor{
		Client:      client,
		Concurrency: concurrency,
		progress:    make(map[string]*itemProgress),
	}
}

// Run executes every item in items at the executor's concurrency budget
// and returns one Result per item, in the same order as items. Callers are
// responsible for sequencing groups (blobs before image manifests before
// the index/tag), per spec.md §4.E's ordering guarantee; within one call
// to Run, items proceed concurrently.
func (e *Executor) Run(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))

	stopProgress := e.startProgressReporter(ctx)
	defer stopProgress()

	t := throttler.New(e.Concurrency, len(items))
	for i, item := range items {
		i, item := i, item
		go func() {
			defer t.Done(nil)
			results[i] = e.runOne(ctx, item)
		}()
		t.Throttle()
	}

	return results
}

func (e *Executor) runOne(ctx context.Context, item Item) Result {
	result := Result{Item: item}
	prog := &itemProgress{total: item.Size}
	e.mu.Lock()
	e.progress[item.Digest] = prog
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.progress, item.Digest)
		e.mu.Unlock()
	}()

	if item.Type == ItemBlob {
		exists, err := e.probeExists(ctx, item)
		if err != nil {
			return fail(result, err)
		}
		if exists {
			atomic.StoreInt64(&prog.sent, item.Size)
			result.Statuses = append(result.Statuses, 200)
			result.Verified = true
			result.BytesSent = item.Size
			return result
		}

		sessionURL, err := e.initiate(ctx, item)
		if err != nil {
			return fail(result, err)
		}

		body, size, err := e.fetchSource(ctx, item, prog)
		if err != nil {
			return fail(result, err)
		}
		defer body.Close()

		sessionURL, err = e.patch(ctx, sessionURL, body, size, prog)
		if err != nil {
			return fail(result, err)
		}

		if err := e.finalizeBlob(ctx, sessionURL, item); err != nil {
			return fail(result, err)
		}
		atomic.StoreInt64(&prog.sent, item.Size)
		result.Statuses = append(result.Statuses, 201)
		result.BytesSent = item.Size
		return result
	}

	// Manifest (per-platform or index/tag): PUT the body directly.
	body := item.Content
	if body == nil {
		rc, _, err := e.Client.GetBlob(ctx, item.FromURL, item.MediaType)
		if err != nil {
			return fail(result, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return fail(result, err)
		}
		body = b
	}

	if err := e.putManifest(ctx, item, body); err != nil {
		return fail(result, err)
	}
	atomic.StoreInt64(&prog.sent, int64(len(body)))
	result.Statuses = append(result.Statuses, 201)
	result.BytesSent = int64(len(body))
	return result
}

func (e *Executor) probeExists(ctx context.Context, item Item) (bool, error) {
	var exists bool
	err := retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		ok, err := e.Client.HeadBlob(ctx, item.ToURL, item.Digest, item.Size)
		if err != nil {
			return classifyTransient(err)
		}
		exists = ok
		return nil
	})
	return exists, err
}

func (e *Executor) initiate(ctx context.Context, item Item) (string, error) {
	var sessionURL string
	err := retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		u, err := e.Client.InitiateUpload(ctx, item.ToURL, item.MediaType)
		if err != nil {
			return classifyTransient(err)
		}
		sessionURL = u
		return nil
	})
	return sessionURL, err
}

func (e *Executor) fetchSource(ctx context.Context, item Item, prog *itemProgress) (io.ReadCloser, int64, error) {
	var body io.ReadCloser
	var size int64
	err := retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		b, s, err := e.Client.GetBlob(ctx, item.FromURL, item.MediaType)
		if err != nil {
			return classifyTransient(err)
		}
		body, size = b, s
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &countingReader{ReadCloser: body, counter: &prog.received}, size, nil
}

func (e *Executor) patch(ctx context.Context, sessionURL string, body io.Reader, size int64, prog *itemProgress) (string, error) {
	var next string
	counted := &countingWriter{inner: body, counter: &prog.sent}
	err := retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		n, err := e.Client.PatchUpload(ctx, sessionURL, counted, size)
		if err != nil {
			return classifyTransient(err)
		}
		next = n
		return nil
	})
	return next, err
}

func (e *Executor) finalizeBlob(ctx context.Context, sessionURL string, item Item) error {
	return retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		if err := e.Client.FinalizeBlob(ctx, sessionURL, item.Digest, item.MediaType); err != nil {
			return classifyTransient(err)
		}
		return nil
	})
}

func (e *Executor) putManifest(ctx context.Context, item Item, body []byte) error {
	return retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		if err := e.Client.PutManifest(ctx, item.ToURL, item.MediaType, body); err != nil {
			return classifyTransient(err)
		}
		return nil
	})
}

// classifyTransient marks errors as retry.Fatal once they are classified as
// anything other than Transient, per spec.md §4.F's retry policy: a 4xx from
// the registry itself (other than the existence probe's own handling of 404)
// fails the item instead of retrying forever, since retry.Do's default
// Options never stop on their own.
func classifyTransient(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *ociclient.StatusError
	if goerrors.As(err, &statusErr) {
		if classify.Retryable(statusErr.Kind) {
			return err
		}
		return retry.Stop(err)
	}
	if classify.FromAWSError(err) == classify.AuthFatal {
		return retry.Stop(err)
	}
	return err
}

func fail(result Result, err error) Result {
	result.Statuses = append(result.Statuses, 502)
	result.Reasons = append(result.Reasons, err.Error())
	return result
}

func (e *Executor) startProgressReporter(ctx context.Context) func() {
	if e.OnProgress == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				e.OnProgress(e.summary())
			}
		}
	}()
	return func() { close(stop) }
}

func (e *Executor) summary() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sent, total int64
	for _, p := range e.progress {
		sent += atomic.LoadInt64(&p.sent)
		total += p.total
	}
	pct := 100.0
	if total > 0 {
		pct = float64(sent) / float64(total) * 100
	}
	return fmt.Sprintf("%d/%d transfers: %.0f%% complete", sent, total, pct)
}

type countingReader struct {
	io.ReadCloser
	counter *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	atomic.AddInt64(c.counter, int64(n))
	return n, err
}

type countingWriter struct {
	inner   io.Reader
	counter *int64
}

func (c *countingWriter) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	atomic.AddInt64(c.counter, int64(n))
	return n, err
}

// computeConcurrency implements spec.md §4.F: clamp(cpuCount, 1, 10).
func computeConcurrency() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// onceValue lazily computes f exactly once and caches the result, the
// stdlib sync.OnceValue (available as of Go 1.21) expressed explicitly so
// this package has no minimum-version surprises.
func onceValue(f func() int) func() int {
	var (
		once  sync.Once
		value int
	)
	return func() int {
		once.Do(func() { value = f() })
		return value
	}
}
