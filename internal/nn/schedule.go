package nn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scheduler adjusts an optimizer's learning rate once per epoch. metric is
// only read by plateau schedules.
type Scheduler interface {
	Step(metric float64)
}

// NewScheduler builds a schedule by name:
//
//	ms1, ms2, ms3        x0.1 at the last k powers of two below numEpochs
//	step_exp_<gamma>     exponential decay
//	halving_step<n>      halve every n epochs
//	ReduceLROnPlateau    x0.1 after a plateau of the metric
//	""                   no schedule (nil, nil)
func NewScheduler(opt Optimizer, decay string, numEpochs int) (Scheduler, error) {
	switch {
	case decay == "":
		return nil, nil
	case decay == "ms1" || decay == "ms2" || decay == "ms3":
		k := int(decay[2] - '0')
		var milestones []int
		for x := 10 - k; x < 10; x++ {
			if m := 1 << x; m < numEpochs {
				milestones = append(milestones, m)
			}
		}
		return &MultiStep{opt: opt, base: lrOf(opt), milestones: milestones, gamma: 0.1}, nil
	case strings.HasPrefix(decay, "step_exp_"):
		g, err := strconv.ParseFloat(decay[len("step_exp_"):], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: lr schedule %q: %v", ErrUnsupportedConfiguration, decay, err)
		}
		return &Exponential{opt: opt, gamma: g}, nil
	case strings.HasPrefix(decay, "halving_step"):
		n, err := strconv.Atoi(decay[len("halving_step"):])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: lr schedule %q", ErrUnsupportedConfiguration, decay)
		}
		return &StepDecay{opt: opt, base: lrOf(opt), size: n, gamma: 0.5}, nil
	case strings.HasPrefix(decay, "ReduceLROnPlateau"):
		return &Plateau{
			opt:       opt,
			factor:    0.1,
			patience:  10,
			cooldown:  10,
			threshold: 1e-3,
			minLR:     1e-7,
			best:      math.Inf(1),
		}, nil
	}
	return nil, fmt.Errorf("%w: lr schedule %q", ErrUnsupportedConfiguration, decay)
}

// ValidateSchedule checks a schedule name without an optimizer.
func ValidateSchedule(decay string) error {
	_, err := NewScheduler(&SGD{}, decay, 1)
	return err
}

func lrOf(opt Optimizer) float64 {
	if opt == nil {
		return 0
	}
	return opt.LR()
}

// MultiStep multiplies the base rate by gamma at each milestone epoch.
type MultiStep struct {
	opt        Optimizer
	base       float64
	milestones []int
	gamma      float64
	epoch      int
}

func (s *MultiStep) Step(float64) {
	s.epoch++
	passed := 0
	for _, m := range s.milestones {
		if s.epoch >= m {
			passed++
		}
	}
	s.opt.SetLR(s.base * math.Pow(s.gamma, float64(passed)))
}

// Exponential multiplies the rate by gamma every epoch.
type Exponential struct {
	opt   Optimizer
	gamma float64
}

func (s *Exponential) Step(float64) {
	s.opt.SetLR(s.opt.LR() * s.gamma)
}

// StepDecay multiplies the base rate by gamma every size epochs.
type StepDecay struct {
	opt   Optimizer
	base  float64
	size  int
	gamma float64
	epoch int
}

func (s *StepDecay) Step(float64) {
	s.epoch++
	s.opt.SetLR(s.base * math.Pow(s.gamma, float64(s.epoch/s.size)))
}

// Plateau lowers the rate when the metric stops improving (mode min,
// relative threshold).
type Plateau struct {
	opt       Optimizer
	factor    float64
	patience  int
	cooldown  int
	threshold float64
	minLR     float64

	best          float64
	badEpochs     int
	cooldownUntil int
	epoch         int
}

func (s *Plateau) Step(metric float64) {
	s.epoch++
	if metric < s.best*(1-s.threshold) {
		s.best = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}
	if s.epoch <= s.cooldownUntil {
		s.badEpochs = 0
	}
	if s.badEpochs > s.patience {
		s.opt.SetLR(math.Max(s.opt.LR()*s.factor, s.minLR))
		s.cooldownUntil = s.epoch + s.cooldown
		s.badEpochs = 0
	}
}
