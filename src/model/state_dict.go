package model

import (
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/dps_tensors/src/dtype"
)

// StateDict is an ordered, in-memory collection of named tensors. It is a
// ParameterSource for saves and a ParameterSink for restores, and is safe
// for concurrent use.
//
// A strict StateDict only accepts assignments to declared names whose shape
// and dtype match. An open StateDict (NewOpenStateDict) accepts any name.
type StateDict struct {
	lock   sync.RWMutex
	order  []string
	params map[string]*Parameter
	open   bool
}

func NewStateDict() *StateDict {
	return &StateDict{params: make(map[string]*Parameter)}
}

// NewOpenStateDict returns a StateDict that adds unknown names on Assign.
func NewOpenStateDict() *StateDict {
	sd := NewStateDict()
	sd.open = true
	return sd
}

// Add inserts a fully populated parameter.
func (sd *StateDict) Add(p Parameter) error {
	if err := p.Validate(); err != nil {
		return err
	}
	sd.lock.Lock()
	defer sd.lock.Unlock()
	if _, exists := sd.params[p.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.Name)
	}
	cp := p.Clone()
	sd.params[p.Name] = &cp
	sd.order = append(sd.order, p.Name)
	return nil
}

// Declare inserts a zero-filled parameter that a restore will fill in.
func (sd *StateDict) Declare(name string, dt dtype.DType, shape []int) error {
	p := Parameter{Name: name, DType: dt, Shape: slices.Clone(shape)}
	if err := dt.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidParameter, name, err)
	}
	p.Data = make([]byte, p.ByteSize())
	return sd.Add(p)
}

// Get returns a copy of the named parameter.
func (sd *StateDict) Get(name string) (Parameter, bool) {
	sd.lock.RLock()
	defer sd.lock.RUnlock()
	p, ok := sd.params[name]
	if !ok {
		return Parameter{}, false
	}
	return p.Clone(), true
}

func (sd *StateDict) Has(name string) bool {
	sd.lock.RLock()
	defer sd.lock.RUnlock()
	if sd.open {
		return true
	}
	_, ok := sd.params[name]
	return ok
}

// Assign replaces the data of name. The data slice is copied.
func (sd *StateDict) Assign(name string, dt dtype.DType, shape []int, data []byte) error {
	incoming := Parameter{Name: name, DType: dt, Shape: shape, Data: data}
	if err := incoming.Validate(); err != nil {
		return err
	}

	sd.lock.Lock()
	defer sd.lock.Unlock()
	existing, ok := sd.params[name]
	if !ok {
		if !sd.open {
			return fmt.Errorf("%w: %s", ErrNotDeclared, name)
		}
		cp := incoming.Clone()
		sd.params[name] = &cp
		sd.order = append(sd.order, name)
		return nil
	}
	if !sd.open && (existing.DType != dt || !slices.Equal(existing.Shape, shape)) {
		return fmt.Errorf("%w: %s is %s %v, got %s %v", ErrIncompatibleShape, name, existing.DType, existing.Shape, dt, shape)
	}
	*existing = incoming.Clone()
	return nil
}

// Names returns parameter names in insertion order.
func (sd *StateDict) Names() []string {
	sd.lock.RLock()
	defer sd.lock.RUnlock()
	return slices.Clone(sd.order)
}

// Parameters returns copies of every parameter in insertion order.
func (sd *StateDict) Parameters() []Parameter {
	sd.lock.RLock()
	defer sd.lock.RUnlock()
	out := make([]Parameter, len(sd.order))
	for i, name := range sd.order {
		out[i] = sd.params[name].Clone()
	}
	return out
}

func (sd *StateDict) Len() int {
	sd.lock.RLock()
	defer sd.lock.RUnlock()
	return len(sd.order)
}

// Select returns the named parameters in the order given.
func (sd *StateDict) Select(names ...string) ([]Parameter, error) {
	sd.lock.RLock()
	defer sd.lock.RUnlock()
	out := make([]Parameter, 0, len(names))
	for _, name := range names {
		p, ok := sd.params[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotDeclared, name)
		}
		out = append(out, p.Clone())
	}
	return out, nil
}
