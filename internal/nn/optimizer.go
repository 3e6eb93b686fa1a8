package nn

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnsupportedConfiguration is returned for unknown optimizer modes or
// learning-rate schedules.
var ErrUnsupportedConfiguration = errors.New("unsupported configuration")

// Optimizer consumes the gradients of the parameters it owns and updates them.
type Optimizer interface {
	ZeroGrad()
	Step()
	LR() float64
	SetLR(lr float64)
	Params() []*Param
}

// NewOptimizer builds an optimizer by mode name:
//
//	SGD                   plain SGD
//	nesterov<m>           SGD with Nesterov momentum m, e.g. nesterov0.9
//	adam                  AMSGrad Adam, betas (.9, .999)
//	adam_hyp2             AMSGrad Adam, betas (.5, .99)
//	adam_hyp3             AMSGrad Adam, betas (0, .99)
//	adam_sparse[_hyp2|3]  lazy Adam over touched rows, same betas
func NewOptimizer(params []*Param, mode string, lr float64) (Optimizer, error) {
	if mode == "SGD" {
		return &SGD{params: params, lr: lr}, nil
	}
	if strings.HasPrefix(mode, "nesterov") {
		m, err := strconv.ParseFloat(mode[len("nesterov"):], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: optimizer %q: %v", ErrUnsupportedConfiguration, mode, err)
		}
		return &SGD{params: params, lr: lr, momentum: m, nesterov: true}, nil
	}
	var b1, b2 float64
	sparse := false
	switch strings.ToLower(mode) {
	case "adam":
		b1, b2 = .9, .999
	case "adam_hyp2":
		b1, b2 = .5, .99
	case "adam_hyp3":
		b1, b2 = 0, .99
	case "adam_sparse":
		b1, b2, sparse = .9, .999, true
	case "adam_sparse_hyp2":
		b1, b2, sparse = .5, .99, true
	case "adam_sparse_hyp3":
		b1, b2, sparse = 0, .99, true
	default:
		return nil, fmt.Errorf("%w: optimizer %q", ErrUnsupportedConfiguration, mode)
	}
	return newAdam(params, lr, b1, b2, !sparse, sparse), nil
}

// ValidateOptimizerMode checks a mode name without building anything.
func ValidateOptimizerMode(mode string) error {
	_, err := NewOptimizer(nil, mode, 0)
	return err
}

func zeroGrad(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SGD is stochastic gradient descent with optional Nesterov momentum.
type SGD struct {
	params   []*Param
	lr       float64
	momentum float64
	nesterov bool
	buf      map[*Param][]float64
}

func (o *SGD) ZeroGrad()        { zeroGrad(o.params) }
func (o *SGD) LR() float64      { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }
func (o *SGD) Params() []*Param { return o.params }

// Step applies p -= lr * g (or the momentum form).
func (o *SGD) Step() {
	if o.momentum != 0 && o.buf == nil {
		o.buf = make(map[*Param][]float64)
	}
	for _, p := range o.params {
		if p.Frozen() {
			continue
		}
		var buf []float64
		if o.momentum != 0 {
			buf = o.buf[p]
			if buf == nil {
				buf = make([]float64, len(p.Data))
				o.buf[p] = buf
			}
		}
		for _, r := range p.ActiveRows() {
			lo, hi := r*p.Cols, (r+1)*p.Cols
			for i := lo; i < hi; i++ {
				g := p.Grad[i]
				if buf != nil {
					buf[i] = o.momentum*buf[i] + g
					if o.nesterov {
						g += o.momentum * buf[i]
					} else {
						g = buf[i]
					}
				}
				p.Data[i] -= o.lr * g
			}
		}
	}
}

// Adam implements Adam with optional AMSGrad. In lazy mode only rows that
// received gradient are updated, which suits embedding tables.
type Adam struct {
	params  []*Param
	lr      float64
	beta1   float64
	beta2   float64
	eps     float64
	amsgrad bool
	lazy    bool

	state map[*Param]*adamState
}

type adamState struct {
	step int
	m    []float64
	v    []float64
	vmax []float64
}

func newAdam(params []*Param, lr, b1, b2 float64, amsgrad, lazy bool) *Adam {
	return &Adam{
		params:  params,
		lr:      lr,
		beta1:   b1,
		beta2:   b2,
		eps:     1e-8,
		amsgrad: amsgrad,
		lazy:    lazy,
		state:   make(map[*Param]*adamState),
	}
}

func (o *Adam) ZeroGrad()        { zeroGrad(o.params) }
func (o *Adam) LR() float64      { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }
func (o *Adam) Params() []*Param { return o.params }

// Step performs one bias-corrected Adam update.
func (o *Adam) Step() {
	for _, p := range o.params {
		if p.Frozen() {
			continue
		}
		s := o.state[p]
		if s == nil {
			s = &adamState{m: make([]float64, len(p.Data)), v: make([]float64, len(p.Data))}
			if o.amsgrad {
				s.vmax = make([]float64, len(p.Data))
			}
			o.state[p] = s
		}
		s.step++
		bc1 := 1 - math.Pow(o.beta1, float64(s.step))
		bc2 := 1 - math.Pow(o.beta2, float64(s.step))
		stepSize := o.lr / bc1

		var rows []int
		if o.lazy {
			rows = p.ActiveRows()
		} else {
			rows = allRows(p)
		}
		for _, r := range rows {
			lo, hi := r*p.Cols, (r+1)*p.Cols
			for i := lo; i < hi; i++ {
				g := p.Grad[i]
				s.m[i] = o.beta1*s.m[i] + (1-o.beta1)*g
				s.v[i] = o.beta2*s.v[i] + (1-o.beta2)*g*g
				v := s.v[i]
				if o.amsgrad {
					s.vmax[i] = math.Max(s.vmax[i], v)
					v = s.vmax[i]
				}
				p.Data[i] -= stepSize * s.m[i] / (math.Sqrt(v)/math.Sqrt(bc2) + o.eps)
			}
		}
	}
}

func allRows(p *Param) []int {
	rows := make([]int, p.Rows)
	for i := range rows {
		rows[i] = i
	}
	return rows
}
