package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/dps_tensors/src/array_store"
	"github.com/danmuck/dps_tensors/src/model"
	"golang.org/x/sync/errgroup"
)

type WriterState int

const (
	WriterEmpty WriterState = iota
	WriterWriting
	WriterCommitted
	WriterFailed
)

func (s WriterState) String() string {
	switch s {
	case WriterEmpty:
		return "empty"
	case WriterWriting:
		return "writing"
	case WriterCommitted:
		return "committed"
	case WriterFailed:
		return "failed"
	default:
		return "WriterState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Writer runs one checkpoint save. Every save writes its arrays under a
// fresh generation directory, so a failed or abandoned save never touches
// the arrays of the checkpoint currently published.
//
// A Writer is single use: Begin, any number of concurrent WriteLayer calls,
// then Commit or Abort.
type Writer struct {
	store Store
	cfg   Config
	log   Logger

	lock       sync.Mutex
	state      WriterState
	err        error
	generation string
	index      *Index
	layers     *LayerWriter
	claimed    map[string]struct{}
	sealed     bool
	inflight   sync.WaitGroup
}

func NewWriter(store Store, cfg Config) *Writer {
	cfg = cfg.normalized()
	return &Writer{
		store: store,
		cfg:   cfg,
		log:   cfg.logger(),
		state: WriterEmpty,
	}
}

func (w *Writer) State() WriterState {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.state
}

// Err returns the failure that moved the writer to WriterFailed.
func (w *Writer) Err() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.err
}

func (w *Writer) Generation() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.generation
}

// Begin allocates a generation, journals it and opens an empty draft.
func (w *Writer) Begin() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != WriterEmpty {
		return fmt.Errorf("%w: begin in state %s", ErrInvalidState, w.state)
	}

	now := time.Now()
	gen := w.nextGeneration(now)
	rec := array_store.IntentRecord{ID: gen, Prefix: gen, StartedAt: now.UnixNano()}
	if err := w.store.WriteIntent(rec); err != nil {
		w.state = WriterFailed
		w.err = fmt.Errorf("%w: %w", ErrStoreWrite, err)
		return w.err
	}

	w.generation = gen
	w.index = NewIndex(gen, now)
	w.layers = NewLayerWriter(w.store, gen, w.cfg)
	w.claimed = make(map[string]struct{})
	w.state = WriterWriting
	w.log.Debugf("checkpoint: begin generation %s", gen)
	return nil
}

func (w *Writer) nextGeneration(now time.Time) string {
	n := now.UnixNano()
	for {
		gen := "g" + strconv.FormatInt(n, 10)
		if !w.store.HasPrefix(gen) {
			return gen
		}
		n++
	}
}

// WriteLayer stores one parameter and records it in the draft. It is safe
// for concurrent use; any failure fails the whole save.
func (w *Writer) WriteLayer(ctx context.Context, p model.Parameter) (LocationDescriptor, error) {
	if err := w.claim(p.Name); err != nil {
		return LocationDescriptor{}, err
	}
	defer w.inflight.Done()

	loc, err := w.layers.Write(ctx, p.Name, p.Data, p.Shape, p.DType)
	if err == nil {
		if putErr := w.index.Put(p.Name, loc); putErr != nil {
			err = layerErr("write", p.Name, loc.Path, putErr)
		}
	}
	if err != nil {
		w.fail(err)
		return LocationDescriptor{}, err
	}
	w.log.Debugf("checkpoint: wrote %s -> %s chunks=%v", p.Name, loc.Path, loc.Chunks)
	return loc, nil
}

// claim reserves name and registers an in-flight write. On success the
// caller must call w.inflight.Done.
func (w *Writer) claim(name string) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != WriterWriting || w.sealed {
		return fmt.Errorf("%w: write %s in state %s", ErrInvalidState, name, w.state)
	}
	if _, dup := w.claimed[name]; dup {
		err := layerErr("write", name, "", ErrDuplicateParameter)
		w.failLocked(err)
		return err
	}
	w.claimed[name] = struct{}{}
	w.inflight.Add(1)
	return nil
}

// carry copies an entry of a previous checkpoint into the draft without
// rewriting its data.
func (w *Writer) carry(e IndexEntry) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != WriterWriting || w.sealed {
		return fmt.Errorf("%w: carry %s in state %s", ErrInvalidState, e.Name, w.state)
	}
	if _, dup := w.claimed[e.Name]; dup {
		return layerErr("carry", e.Name, e.Location.Path, ErrDuplicateParameter)
	}
	if err := w.index.Put(e.Name, e.Location); err != nil {
		return layerErr("carry", e.Name, e.Location.Path, err)
	}
	w.claimed[e.Name] = struct{}{}
	return nil
}

func (w *Writer) fail(err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.failLocked(err)
}

func (w *Writer) failLocked(err error) {
	if w.state != WriterWriting {
		return
	}
	w.state = WriterFailed
	w.err = err
	w.store.ReleaseIntent(w.generation)
	w.log.Warnf("checkpoint: save of generation %s failed: %v", w.generation, err)
}

// Commit waits for every in-flight write, then publishes the index. Only
// after the index is durable is the intent cleared.
func (w *Writer) Commit() (Handle, error) {
	w.lock.Lock()
	if w.state != WriterWriting {
		state, cause := w.state, w.err
		w.lock.Unlock()
		if cause != nil {
			return "", fmt.Errorf("%w: commit in state %s: %w", ErrInvalidState, state, cause)
		}
		return "", fmt.Errorf("%w: commit in state %s", ErrInvalidState, state)
	}
	w.sealed = true
	w.lock.Unlock()

	w.inflight.Wait()

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != WriterWriting {
		return "", fmt.Errorf("%w: a layer failed before commit: %w", ErrInvalidState, w.err)
	}

	if err := w.checkArraysLocked(); err != nil {
		w.failLocked(err)
		return "", err
	}
	handle, err := w.index.Commit(w.store)
	if err != nil {
		w.failLocked(err)
		return "", err
	}
	if err := w.store.ClearIntent(w.generation); err != nil {
		// the index is already published; recovery sees the generation as referenced
		w.log.Warnf("checkpoint: failed to clear intent %s: %v", w.generation, err)
	}
	w.state = WriterCommitted
	w.log.Infof("checkpoint: committed generation %s (%d tensors, %d bytes)", w.generation, w.index.Len(), w.index.TotalBytes())
	return handle, nil
}

// checkArraysLocked confirms every entry of the draft still has its array
// on disk, so a published index never names deleted data.
func (w *Writer) checkArraysLocked() error {
	for _, e := range w.index.Entries() {
		if _, err := w.store.ReadSchema(e.Location.Path); err != nil {
			return layerErr("commit", e.Name, e.Location.Path, storeReadErr(err))
		}
	}
	return nil
}

// Abort fails the save. Arrays already written stay on disk, unreferenced,
// until Recover or Prune removes them.
func (w *Writer) Abort() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	switch w.state {
	case WriterCommitted:
		return fmt.Errorf("%w: abort after commit", ErrInvalidState)
	case WriterFailed:
		return nil
	}
	w.state = WriterFailed
	w.err = errors.New("save aborted")
	if w.generation != "" {
		w.store.ReleaseIntent(w.generation)
	}
	return nil
}

// Save writes every parameter of src concurrently and commits. No index is
// published unless every layer succeeds.
func (w *Writer) Save(ctx context.Context, src model.ParameterSource) (Handle, error) {
	if err := w.Begin(); err != nil {
		return "", err
	}
	if err := w.writeAll(ctx, src.Parameters()); err != nil {
		return "", err
	}
	return w.Commit()
}

// SaveLayers publishes a new checkpoint in which params replace their
// namesakes and every other entry of the current checkpoint is carried
// forward unchanged. With no current checkpoint it behaves like Save.
func (w *Writer) SaveLayers(ctx context.Context, params []model.Parameter) (Handle, error) {
	prev, err := LoadIndex(w.store)
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return "", err
	}
	if err := w.Begin(); err != nil {
		return "", err
	}

	if prev != nil {
		replaced := make(map[string]bool, len(params))
		for _, p := range params {
			replaced[p.Name] = true
		}
		carried := 0
		for _, e := range prev.Entries() {
			if replaced[e.Name] {
				continue
			}
			if err := w.carry(e); err != nil {
				w.fail(err)
				return "", err
			}
			carried++
		}
		w.log.Debugf("checkpoint: carried %d entries from generation %s", carried, prev.Generation())
	}

	if err := w.writeAll(ctx, params); err != nil {
		return "", err
	}
	return w.Commit()
}

func (w *Writer) writeAll(ctx context.Context, params []model.Parameter) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, p := range params {
		g.Go(func() error {
			_, err := w.WriteLayer(gctx, p)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		w.fail(err)
		return err
	}
	return nil
}
