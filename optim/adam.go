package optim

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

type adamState struct {
	m []float32
	v []float32
}

// Adam implements Adam and, with decoupled decay, AdamW. Beta1 tracks
// the group momentum so scheduler warmup applies to it as well.
type Adam struct {
	groups    []*Group
	Beta2     float32
	Eps       float32
	decoupled bool

	step  int
	state map[*tensor.Tensor]*adamState
}

func NewAdam(groups []*Group) *Adam {
	return &Adam{groups: groups, Beta2: 0.999, Eps: 1e-8, state: map[*tensor.Tensor]*adamState{}}
}

// NewAdamW decouples weight decay from the adaptive update.
func NewAdamW(groups []*Group) *Adam {
	o := NewAdam(groups)
	o.decoupled = true
	return o
}

func (o *Adam) Groups() []*Group { return o.groups }
func (o *Adam) ZeroGrad()        { zeroGroups(o.groups) }

func (o *Adam) Step() error {
	o.step++
	t := float32(o.step)
	for _, g := range o.groups {
		beta1 := g.Momentum
		c1 := 1 - math32.Pow(beta1, t)
		c2 := 1 - math32.Pow(o.Beta2, t)
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			data := p.Raw()
			gRaw := grad.Data()
			if len(gRaw) != len(data) {
				return errors.New("gradient size mismatch")
			}
			st, ok := o.state[p]
			if !ok {
				st = &adamState{m: make([]float32, len(data)), v: make([]float32, len(data))}
				o.state[p] = st
			}
			for i := range data {
				d := gRaw[i]
				if !o.decoupled {
					d += g.WeightDecay * data[i]
				}
				st.m[i] = beta1*st.m[i] + (1-beta1)*d
				st.v[i] = o.Beta2*st.v[i] + (1-o.Beta2)*d*d
				mHat := st.m[i] / c1
				vHat := st.v[i] / c2
				if o.decoupled {
					data[i] -= g.LR * g.WeightDecay * data[i]
				}
				data[i] -= g.LR * mHat / (math32.Sqrt(vHat) + o.Eps)
			}
		}
	}
	return nil
}
