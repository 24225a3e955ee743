// Package flasher runs flash jobs: it streams a verified image into an
// exclusively opened destination, verifies the result where the destination
// allows it, applies first-boot customization, and reports progress over a
// per-job event stream.
package flasher

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-imager/catalog"
	"github.com/synthread/go-imager/checksum"
	"github.com/synthread/go-imager/destination"
	"github.com/synthread/go-imager/overlay"
	"github.com/synthread/go-imager/source"
)

// SourceFunc opens the image stream for a job. Jobs open their source lazily
// so a request can be queued without holding files open.
type SourceFunc func() (*source.Stream, error)

// FileSource streams a catalog image from a local artifact, typically a cache
// entry or a user-picked file.
func FileSource(img catalog.OSImage, path string) SourceFunc {
	return func() (*source.Stream, error) {
		return source.OpenImage(img, path)
	}
}

// Request describes one flash job. Immutable once submitted.
type Request struct {
	Image       catalog.OSImage
	Source      SourceFunc
	Destination destination.Device
	Customize   overlay.Customization

	// Verify enables post-write verification. When the destination offers
	// neither read-back nor a device checksum, verification is skipped and
	// Result.VerifySkipped is set.
	Verify bool
}

// Config tunes the write pipeline.
type Config struct {
	// ChunkSize is the write granularity, rounded up to the destination's
	// block size. Defaults to 1 MiB.
	ChunkSize int

	// QueueDepth bounds the chunk queue between the decompressing reader
	// and the device writer. Defaults to 4.
	QueueDepth int

	// ProgressInterval is the minimum spacing between progress events.
	// Defaults to 250ms.
	ProgressInterval time.Duration

	// EventBuffer sizes each job's event channel. Defaults to 64.
	EventBuffer int
}

func (c *Config) withDefaults() Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return cfg
}

// Result is the final outcome of a job.
type Result struct {
	State        State
	Err          error
	BytesWritten uint64

	// Digest is the sha256 of the decompressed image bytes that reached
	// the destination.
	Digest checksum.Digest

	// VerifySkipped is set when verification was requested but the
	// destination offers no way to perform it.
	VerifySkipped bool
}

// Job is a single flash operation in flight. Safe for concurrent use.
type Job struct {
	id  ulid.ULID
	req Request
	cfg Config
	log *logrus.Entry

	events chan Event

	cancel     chan struct{}
	cancelOnce sync.Once

	done chan struct{}

	mu     sync.Mutex
	state  State
	result *Result
}

func newJob(req Request, cfg Config) *Job {
	id := ulid.Make()
	return &Job{
		id:  id,
		req: req,
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"job":   id.String(),
			"image": req.Image.ID,
			"dest":  req.Destination.ID(),
		}),
		events: make(chan Event, cfg.EventBuffer),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
		state:  StatePending,
	}
}

// ID is the job's ULID.
func (j *Job) ID() ulid.ULID { return j.id }

// Events is the job's event stream. Closed after the terminal event.
func (j *Job) Events() <-chan Event { return j.events }

// State is the job's current pipeline state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the final outcome, or false while the job is running.
func (j *Job) Result() (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		return Result{}, false
	}
	return *j.result, true
}

// Wait blocks until the job finishes or ctx expires.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		res, _ := j.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cancellation. Honored at the next chunk boundary; a no-op
// once the job is terminal. Safe to call more than once.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancel) })
}

func (j *Job) cancelled() bool {
	select {
	case <-j.cancel:
		return true
	default:
		return false
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// emit delivers a state event in order. Progress events go through
// emitProgress instead and may be dropped under a slow consumer.
func (j *Job) emit(ev Event) {
	j.events <- ev
}

func (j *Job) emitProgress(done, total uint64) {
	select {
	case j.events <- Event{Type: EventProgress, Done: done, Total: total}:
	default:
	}
}

// finish records the terminal result, emits the terminal event and closes
// the stream. Called exactly once.
func (j *Job) finish(res Result) {
	j.mu.Lock()
	j.state = res.State
	j.result = &res
	j.mu.Unlock()
	close(j.done)

	switch res.State {
	case StateCompleted:
		j.emit(Event{Type: EventCompleted})
	case StateCancelled:
		j.emit(Event{Type: EventCancelled})
	case StateFailed:
		j.emit(Event{Type: EventFailed, Err: res.Err})
	}
	close(j.events)
}

// run drives the pipeline to a terminal state.
func (j *Job) run(ctx context.Context) {
	res, err := j.execute(ctx)
	switch {
	case err == nil:
		res.State = StateCompleted
		j.log.WithField("bytes", res.BytesWritten).Info("flash completed")
	case errors.Is(err, ErrCancelled):
		res.State = StateCancelled
		res.Err = ErrCancelled
		j.log.Info("flash cancelled")
	default:
		res.State = StateFailed
		res.Err = err
		j.log.WithError(err).Error("flash failed")
	}
	j.finish(res)
}

func (j *Job) execute(ctx context.Context) (Result, error) {
	var res Result

	j.setState(StatePreparing)

	// reject bad customization before any destination I/O
	if err := j.req.Customize.Validate(); err != nil {
		return res, &CustomizationUnsupportedError{ImageID: j.req.Image.ID, Err: err}
	}
	if err := j.req.Customize.Supports(j.req.Image.InitFormat, j.req.Destination.Kind()); err != nil {
		return res, &CustomizationUnsupportedError{ImageID: j.req.Image.ID, Err: err}
	}

	// prove the whole source decodes to the declared digest before any
	// destination I/O; a doomed job must not leave a partial write
	if err := j.precheckSource(); err != nil {
		return res, &SourceError{ImageID: j.req.Image.ID, Err: err}
	}
	if j.cancelled() {
		return res, ErrCancelled
	}

	stream, err := j.req.Source()
	if err != nil {
		return res, &SourceError{ImageID: j.req.Image.ID, Err: err}
	}
	defer stream.Close()

	h, err := j.req.Destination.OpenExclusive(ctx)
	if err != nil {
		return res, &DestinationUnavailableError{DestinationID: j.req.Destination.ID(), Err: err}
	}
	defer h.Close()

	if j.cancelled() {
		return res, ErrCancelled
	}

	j.emit(Event{Type: EventStarted})
	j.setState(StateWriting)

	out, err := j.writeStream(stream, h)
	res.BytesWritten = out.payload
	if err != nil {
		return res, err
	}
	if err := h.Flush(); err != nil {
		return res, &WriteError{DestinationID: j.req.Destination.ID(), Offset: out.padded, Err: err}
	}
	res.Digest = stream.Computed()

	if j.req.Verify {
		skipped, err := j.verify(h, stream, out)
		if err != nil {
			return res, err
		}
		res.VerifySkipped = skipped
	}

	if !j.req.Customize.IsZero() {
		if j.cancelled() {
			return res, ErrCancelled
		}
		j.setState(StateCustomizing)
		j.emit(Event{Type: EventCustomizing})
		if err := j.req.Customize.Apply(h, stream.Size()); err != nil {
			return res, &WriteError{DestinationID: j.req.Destination.ID(), Offset: out.padded, Err: err}
		}
	}

	return res, nil
}

// precheckSource decompresses and digests the whole image without writing
// anything. Truncation, oversize and digest mismatches surface here, before
// the destination is even opened.
func (j *Job) precheckSource() error {
	s, err := j.req.Source()
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = io.Copy(io.Discard, s)
	return err
}

// chunk is one queued write. payload is the count of real image bytes; the
// rest of data is zero padding out to the block size.
type chunk struct {
	off     uint64
	data    []byte
	payload int
}

type writeOutcome struct {
	payload uint64 // decompressed image bytes written
	padded  uint64 // bytes on the destination, block aligned
	crc     *checksum.Hasher
}

// writeStream pumps the image through a bounded chunk queue into the
// destination. The reader goroutine decompresses and digests; this goroutine
// writes. Offsets are strictly increasing and cancellation is polled only
// between chunks.
func (j *Job) writeStream(s *source.Stream, h destination.Handle) (writeOutcome, error) {
	bs := h.BlockSize()
	chunkSize := j.cfg.ChunkSize
	if rem := chunkSize % bs; rem != 0 {
		chunkSize += bs - rem
	}

	chunks := make(chan chunk, j.cfg.QueueDepth)
	readErr := make(chan error, 1)

	// stop unblocks the reader if the writer bails out early
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(chunks)
		var off uint64
		for {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(s, buf)
			if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				readErr <- err
				return
			}
			if n > 0 {
				padded := n
				if rem := n % bs; rem != 0 {
					padded += bs - rem
				}
				select {
				case chunks <- chunk{off: off, data: buf[:padded], payload: n}:
				case <-j.cancel:
					return
				case <-stop:
					return
				}
				off += uint64(padded)
			}
			if err != nil {
				return
			}
		}
	}()

	crc, err := checksum.NewHasher(checksum.CRC32)
	if err != nil {
		return writeOutcome{}, err
	}
	out := writeOutcome{crc: crc}

	total := s.Size()
	var lastProgress time.Time
	for c := range chunks {
		if j.cancelled() {
			return out, ErrCancelled
		}
		if err := h.WriteChunk(c.off, c.data); err != nil {
			return out, &WriteError{DestinationID: j.req.Destination.ID(), Offset: c.off, Err: err}
		}
		crc.Write(c.data)
		out.payload += uint64(c.payload)
		out.padded = c.off + uint64(len(c.data))

		if time.Since(lastProgress) >= j.cfg.ProgressInterval {
			j.emitProgress(out.payload, total)
			lastProgress = time.Now()
		}
	}

	select {
	case err := <-readErr:
		return out, &SourceError{ImageID: j.req.Image.ID, Err: err}
	default:
	}
	if j.cancelled() {
		return out, ErrCancelled
	}

	j.emitProgress(out.payload, total)
	return out, nil
}

// verify compares what the destination holds against what was written. Block
// devices are read back and re-digested; serial targets answer a device-side
// CRC32. A destination with neither capability skips verification, and the
// skip is surfaced on the result.
func (j *Job) verify(h destination.Handle, s *source.Stream, out writeOutcome) (bool, error) {
	j.setState(StateVerifying)
	j.emit(Event{Type: EventVerifying})

	switch {
	case h.SupportsReadBack():
		hasher, err := checksum.NewHasher(checksum.SHA256)
		if err != nil {
			return false, err
		}
		for off := uint64(0); off < out.payload; {
			n := uint64(j.cfg.ChunkSize)
			if left := out.payload - off; left < n {
				n = left
			}
			p, err := h.ReadBack(off, int(n))
			if err != nil {
				return false, errors.Wrap(err, "read back")
			}
			hasher.Write(p)
			off += uint64(len(p))
		}
		if got := hasher.Digest(); !got.Equal(s.Computed()) {
			return false, &VerificationMismatchError{
				DestinationID: j.req.Destination.ID(),
				Expected:      s.Computed(),
				Computed:      got,
			}
		}
		return false, nil

	default:
		cs, ok := h.(destination.Checksummer)
		if !ok {
			j.log.Warn("destination cannot verify, skipping")
			return true, nil
		}
		got, err := cs.DeviceChecksum(0, out.padded)
		if err != nil {
			if errors.Is(err, destination.ErrReadBackUnsupported) {
				j.log.Warn("device checksum unavailable, skipping verification")
				return true, nil
			}
			return false, errors.Wrap(err, "device checksum")
		}
		if want := out.crc.Digest(); !got.Equal(want) {
			return false, &VerificationMismatchError{
				DestinationID: j.req.Destination.ID(),
				Expected:      want,
				Computed:      got,
			}
		}
		return false, nil
	}
}
