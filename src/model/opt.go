package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/danmuck/dps_tensors/src/dtype"
)

// OPTConfig sizes a synthetic decoder with the parameter naming of the
// OPT family (model.decoder.layers.N.self_attn.q_proj.weight, ...).
type OPTConfig struct {
	Layers       int
	Hidden       int
	FFN          int
	Vocab        int
	MaxPositions int
	DType        dtype.DType
}

// OPT125M matches the parameter shapes of facebook/opt-125m.
func OPT125M() OPTConfig {
	return OPTConfig{Layers: 12, Hidden: 768, FFN: 3072, Vocab: 50272, MaxPositions: 2048, DType: dtype.F32}
}

// TinyOPT is small enough for tests and quick CLI runs.
func TinyOPT() OPTConfig {
	return OPTConfig{Layers: 2, Hidden: 16, FFN: 64, Vocab: 128, MaxPositions: 32, DType: dtype.F32}
}

func (c OPTConfig) Validate() error {
	if c.Layers < 1 || c.Hidden < 1 || c.FFN < 1 || c.Vocab < 1 || c.MaxPositions < 1 {
		return fmt.Errorf("invalid OPT config %+v: every dimension must be positive", c)
	}
	return c.DType.Validate()
}

type paramSpec struct {
	name  string
	shape []int
	init  initKind
}

type initKind int

const (
	initNormal initKind = iota
	initOnes
	initZeros
)

// skeleton lists the parameters in the order the reference model
// registers them.
func (c OPTConfig) skeleton() []paramSpec {
	h := c.Hidden
	specs := []paramSpec{
		{"model.decoder.embed_tokens.weight", []int{c.Vocab, h}, initNormal},
		// OPT offsets learned positions by 2
		{"model.decoder.embed_positions.weight", []int{c.MaxPositions + 2, h}, initNormal},
	}
	for i := 0; i < c.Layers; i++ {
		p := fmt.Sprintf("model.decoder.layers.%d.", i)
		for _, proj := range []string{"k_proj", "v_proj", "q_proj", "out_proj"} {
			specs = append(specs,
				paramSpec{p + "self_attn." + proj + ".weight", []int{h, h}, initNormal},
				paramSpec{p + "self_attn." + proj + ".bias", []int{h}, initZeros},
			)
		}
		specs = append(specs,
			paramSpec{p + "self_attn_layer_norm.weight", []int{h}, initOnes},
			paramSpec{p + "self_attn_layer_norm.bias", []int{h}, initZeros},
			paramSpec{p + "fc1.weight", []int{c.FFN, h}, initNormal},
			paramSpec{p + "fc1.bias", []int{c.FFN}, initZeros},
			paramSpec{p + "fc2.weight", []int{h, c.FFN}, initNormal},
			paramSpec{p + "fc2.bias", []int{h}, initZeros},
			paramSpec{p + "final_layer_norm.weight", []int{h}, initOnes},
			paramSpec{p + "final_layer_norm.bias", []int{h}, initZeros},
		)
	}
	specs = append(specs,
		paramSpec{"model.decoder.final_layer_norm.weight", []int{h}, initOnes},
		paramSpec{"model.decoder.final_layer_norm.bias", []int{h}, initZeros},
	)
	return specs
}

// NewOPTSkeleton declares every parameter of the model zero-filled, ready
// to be restored into.
func NewOPTSkeleton(c OPTConfig) (*StateDict, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sd := NewStateDict()
	for _, s := range c.skeleton() {
		if err := sd.Declare(s.name, c.DType, s.shape); err != nil {
			return nil, err
		}
	}
	return sd, nil
}

// NewOPTLike builds a deterministic, randomly initialized model. The same
// config and seed always produce identical bytes.
func NewOPTLike(c OPTConfig, seed uint64) (*StateDict, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sd := NewStateDict()
	for _, s := range c.skeleton() {
		data, err := initValues(rng, s, c.DType)
		if err != nil {
			return nil, err
		}
		if err := sd.Add(Parameter{Name: s.name, DType: c.DType, Shape: s.shape, Data: data}); err != nil {
			return nil, err
		}
	}
	return sd, nil
}

// Randomize overwrites the named parameters with fresh normal values, as a
// stand-in for a fine-tuning step touching only those layers.
func Randomize(sd *StateDict, seed uint64, names ...string) error {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	params, err := sd.Select(names...)
	if err != nil {
		return err
	}
	for _, p := range params {
		data, err := initValues(rng, paramSpec{name: p.Name, shape: p.Shape, init: initNormal}, p.DType)
		if err != nil {
			return err
		}
		if err := sd.Assign(p.Name, p.DType, p.Shape, data); err != nil {
			return err
		}
	}
	return nil
}

func initValues(rng *rand.Rand, s paramSpec, dt dtype.DType) ([]byte, error) {
	n := 1
	for _, d := range s.shape {
		n *= d
	}
	values := make([]float32, n)
	switch s.init {
	case initNormal:
		for i := range values {
			values[i] = float32(rng.NormFloat64() * 0.02)
		}
	case initOnes:
		for i := range values {
			values[i] = 1
		}
	}
	return dtype.Encode(dt, values)
}
