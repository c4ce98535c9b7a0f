package r2s3

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Putter uploads one local file.
type Putter interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	EnqueuedTotal       uint64 `json:"enqueued_total"`
	QueueSaturatedTotal uint64 `json:"queue_saturated_total"`
	DroppedTotal        uint64 `json:"dropped_total"`
	UploadSuccessTotal  uint64 `json:"upload_success_total"`
	UploadFailTotal     uint64 `json:"upload_fail_total"`
	LastSuccessUnix     int64  `json:"last_success_unix"`
	LastErrorUnix       int64  `json:"last_error_unix"`
}

type MirrorOptions struct {
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue before dropping.
	EnqueueWait time.Duration
	MaxRetries  uint64
	RetryBase   time.Duration
	Timeout     time.Duration
}

func (o MirrorOptions) withDefaults() MirrorOptions {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 25 * time.Millisecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	return o
}

// Mirror uploads files below dataDir in the background, keyed by their path relative to dataDir.
type Mirror struct {
	client  Putter
	dataDir string
	prefix  string
	opts    MirrorOptions
	log     *zap.Logger

	jobs   chan string
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client Putter, dataDir, prefix string, opts MirrorOptions, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	m := &Mirror{
		client:  client,
		dataDir: dataDir,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		opts:    opts,
		log:     logger,
		jobs:    make(chan string, opts.QueueCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It never blocks longer than EnqueueWait.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil || m.closed.Load() {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
		return
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.Warn("mirror queue saturated; dropping upload",
			zap.String("local", localPath),
			zap.Duration("wait", m.opts.EnqueueWait),
			zap.Uint64("dropped_total", dropped),
		)
	}
}

// Close drains the queue and waits for in-flight uploads. Producers must have stopped.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.jobs)
		m.wg.Wait()
	})
	return nil
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.log.Warn("mirror skip", zap.String("local", localPath), zap.Error(err))
		return
	}

	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.log.Error("mirror upload failed", zap.String("key", key), zap.String("local", localPath), zap.Error(err))
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.log.Debug("mirror uploaded", zap.String("key", key), zap.String("local", localPath))
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.RetryBase
	eb.MaxElapsedTime = 0

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
		defer cancel()
		err := m.client.PutFile(ctx, key, localPath)
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		if os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(eb, m.opts.MaxRetries))
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", errors.New("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}

	key := rel
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return key, nil
}
