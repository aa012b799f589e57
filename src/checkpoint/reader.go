package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/danmuck/dps_tensors/src/model"
	"golang.org/x/sync/errgroup"
)

type ReaderState int

const (
	ReaderStart ReaderState = iota
	ReaderIndexLoaded
	ReaderRestoring
	ReaderDone
	ReaderFailed
)

func (s ReaderState) String() string {
	switch s {
	case ReaderStart:
		return "start"
	case ReaderIndexLoaded:
		return "index-loaded"
	case ReaderRestoring:
		return "restoring"
	case ReaderDone:
		return "done"
	case ReaderFailed:
		return "failed"
	default:
		return "ReaderState(" + strconv.Itoa(int(s)) + ")"
	}
}

// SkippedLayer is a layer a restore passed over under OnUnknownSkip.
type SkippedLayer struct {
	Name string
	Err  error
}

// RestoreReport lists what a restore delivered, both sorted by name.
type RestoreReport struct {
	Restored []string
	Skipped  []SkippedLayer
}

// Reader loads a committed checkpoint, fully or layer by layer. The index
// is loaded once by Open and then shared read-only.
type Reader struct {
	store  Store
	cfg    Config
	log    Logger
	layers *LayerReader

	lock  sync.Mutex
	state ReaderState
	index *Index

	// serializes Assign calls into the caller's sink
	sinkLock sync.Mutex
}

func NewReader(store Store, cfg Config) *Reader {
	cfg = cfg.normalized()
	return &Reader{
		store:  store,
		cfg:    cfg,
		log:    cfg.logger(),
		layers: NewLayerReader(store),
		state:  ReaderStart,
	}
}

// OpenReader opens the store at root and loads its committed index. It
// never modifies the store.
func OpenReader(root string, cfg Config) (*Reader, error) {
	store, err := OpenStoreForRead(root, cfg)
	if err != nil {
		return nil, err
	}
	r := NewReader(store, cfg)
	if err := r.Open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) State() ReaderState {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Index returns the loaded index, or nil before Open.
func (r *Reader) Index() *Index {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.index
}

// Open loads the committed index.
func (r *Reader) Open() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state != ReaderStart {
		return fmt.Errorf("%w: open in state %s", ErrInvalidState, r.state)
	}
	idx, err := LoadIndex(r.store)
	if err != nil {
		r.state = ReaderFailed
		return err
	}
	r.index = idx
	r.state = ReaderIndexLoaded
	r.log.Debugf("checkpoint: loaded index of generation %s (%d tensors)", idx.Generation(), idx.Len())
	return nil
}

// ReadLayer loads one tensor by name without a sink.
func (r *Reader) ReadLayer(ctx context.Context, name string) (model.Parameter, error) {
	idx, err := r.loadedIndex()
	if err != nil {
		return model.Parameter{}, err
	}
	loc, ok := idx.Lookup(name)
	if !ok {
		return model.Parameter{}, layerErr("read", name, "", ErrUnknownParameter)
	}
	desc, buf, err := r.layers.Read(ctx, name, loc)
	if err != nil {
		return model.Parameter{}, err
	}
	return model.Parameter{Name: name, DType: desc.DType, Shape: desc.Shape, Data: buf}, nil
}

func (r *Reader) loadedIndex() (*Index, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	switch r.state {
	case ReaderIndexLoaded, ReaderRestoring, ReaderDone:
		return r.index, nil
	default:
		return nil, fmt.Errorf("%w: reader is %s", ErrInvalidState, r.state)
	}
}

// Restore assigns checkpointed tensors into sink: every entry when names
// is empty, otherwise only the named ones. Only the arrays of the selected
// entries are read.
//
// A layer that cannot be delivered (missing from the index, unknown to the
// sink, or unreadable) fails the restore under OnUnknownFail and is skipped
// and reported under OnUnknownSkip. Corruption always fails the restore.
// Layers assigned before a failure stay assigned.
func (r *Reader) Restore(ctx context.Context, sink model.ParameterSink, names ...string) (RestoreReport, error) {
	idx, err := r.beginRestore()
	if err != nil {
		return RestoreReport{}, err
	}

	var (
		report     RestoreReport
		reportLock sync.Mutex
	)
	skip := func(name string, err error) error {
		if r.cfg.OnUnknown != OnUnknownSkip || errors.Is(err, ErrCorruption) || cancelled(err) {
			return err
		}
		r.log.Warnf("checkpoint: skipping %s: %v", name, err)
		reportLock.Lock()
		report.Skipped = append(report.Skipped, SkippedLayer{Name: name, Err: err})
		reportLock.Unlock()
		return nil
	}

	targets, err := selectEntries(idx, names, skip)
	if err != nil {
		r.finishRestore(err)
		return report, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, e := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !sink.Has(e.Name) {
				return skip(e.Name, layerErr("restore", e.Name, e.Location.Path, ErrUnknownParameter))
			}
			desc, buf, err := r.layers.Read(gctx, e.Name, e.Location)
			if err != nil {
				return skip(e.Name, err)
			}

			r.sinkLock.Lock()
			err = sink.Assign(e.Name, desc.DType, desc.Shape, buf)
			r.sinkLock.Unlock()
			if err != nil {
				return layerErr("assign", e.Name, e.Location.Path, err)
			}

			reportLock.Lock()
			report.Restored = append(report.Restored, e.Name)
			reportLock.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	sort.Strings(report.Restored)
	sort.Slice(report.Skipped, func(i, j int) bool { return report.Skipped[i].Name < report.Skipped[j].Name })
	r.finishRestore(err)
	if err != nil {
		return report, err
	}
	r.log.Infof("checkpoint: restored %d tensors, skipped %d", len(report.Restored), len(report.Skipped))
	return report, nil
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// selectEntries resolves the requested names against the index, in
// request order with duplicates dropped.
func selectEntries(idx *Index, names []string, skip func(string, error) error) ([]IndexEntry, error) {
	if len(names) == 0 {
		return idx.Entries(), nil
	}
	seen := make(map[string]bool, len(names))
	var targets []IndexEntry
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		loc, ok := idx.Lookup(name)
		if !ok {
			if err := skip(name, layerErr("restore", name, "", ErrUnknownParameter)); err != nil {
				return nil, err
			}
			continue
		}
		targets = append(targets, IndexEntry{Name: name, Location: loc})
	}
	return targets, nil
}

func (r *Reader) beginRestore() (*Index, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	switch r.state {
	case ReaderIndexLoaded, ReaderDone:
		r.state = ReaderRestoring
		return r.index, nil
	default:
		return nil, fmt.Errorf("%w: restore in state %s", ErrInvalidState, r.state)
	}
}

func (r *Reader) finishRestore(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err != nil {
		r.state = ReaderFailed
		return
	}
	r.state = ReaderDone
}
