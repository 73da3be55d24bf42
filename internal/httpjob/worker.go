// Package httpjob implements the HTTP job pipeline: a priority queue fed by
// the control client's Receive activity, drained by one or more workers
// enforcing a hard per-job deadline, grounded on
// original_source/job_processor.py's fetch/process pair and the teacher's
// api.go request-building style.
package httpjob

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ddathome/worker-agent/internal/jsonenc"
	"github.com/ddathome/worker-agent/internal/outbound"
)

const (
	jobDeadline = 10 * time.Second
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Pool drains a Queue with one or more worker goroutines, each performing
// one fetch at a time with a hard deadline, and hands results to the
// outbound serializer at bulk priority.
type Pool struct {
	queue      *Queue
	queueMu    sync.Mutex
	queueCond  *sync.Cond
	httpClient *http.Client
	out        *outbound.Serializer
	logger     *slog.Logger
	wbiEnabled bool
	wbi        *wbiSigner
	deadline   time.Duration
}

// NewPool builds a worker pool sharing httpClient and draining into out.
// wbiEnabled gates the optional WBI-signing path (spec.md §4.4/§9 Open
// Question (a)).
func NewPool(httpClient *http.Client, out *outbound.Serializer, logger *slog.Logger, wbiEnabled bool) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:      &Queue{},
		httpClient: httpClient,
		out:        out,
		logger:     logger,
		wbiEnabled: wbiEnabled,
		wbi:        newWBISigner(httpClient),
		deadline:   jobDeadline,
	}
	p.queueCond = sync.NewCond(&p.queueMu)
	return p
}

// Submit enqueues a job, waking one idle worker.
func (p *Pool) Submit(j Job) {
	p.queueMu.Lock()
	p.queue.Push(j)
	p.queueMu.Unlock()
	p.queueCond.Signal()
}

// Len reports the current queue depth, used by PullHttp's gating condition
// and the Monitor activity.
func (p *Pool) Len() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return p.queue.Len()
}

// Run starts n worker goroutines and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}

	<-ctx.Done()
	p.queueMu.Lock()
	p.queueCond.Broadcast() // wake every worker blocked in take() so it can observe ctx.Done
	p.queueMu.Unlock()
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		job, ok := p.take(ctx)
		if !ok {
			return
		}
		p.process(ctx, job)
	}
}

// take blocks until a job is available or ctx is cancelled. There is no
// spin loop: the worker sleeps on queueCond between wakeups, satisfying
// spec.md §5's "no polling loop without a suspension point".
func (p *Pool) take(ctx context.Context) (Job, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	for {
		if job, ok := p.queue.Pop(); ok {
			return job, true
		}
		if ctx.Err() != nil {
			return Job{}, false
		}
		p.queueCond.Wait()
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	body, err := p.fetch(jobCtx, job.URL)
	if err != nil {
		p.logger.Warn("job failed", "key", job.JobKey, "error", err)
		return
	}

	result := struct {
		Key  string `json:"key"`
		Data string `json:"data"`
	}{Key: job.JobKey, Data: string(body)}
	payload, err := jsonenc.Marshal(result)
	if err != nil {
		p.logger.Error("encode job result", "key", job.JobKey, "error", err)
		return
	}
	p.out.Enqueue(outbound.Message{Priority: outbound.PriorityBulk, Payload: payload})
}

func (p *Pool) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if u, perr := url.Parse(rawURL); p.wbiEnabled && perr == nil && strings.Contains(u.Path, "wbi") {
		signed, err := p.wbi.sign(ctx, rawURL)
		if err != nil {
			p.logger.Warn("wbi signing failed, using unsigned url", "error", err)
		} else {
			rawURL = signed
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", "_uuid=; rpdid=; buvid3="+uuid.NewString())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
