package optim

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// SGD is stochastic gradient descent with Nesterov momentum. Weight
// decay is folded into the gradient before the momentum update.
type SGD struct {
	groups   []*Group
	velocity map[*tensor.Tensor][]float32
	nesterov bool
}

func NewSGD(groups []*Group) *SGD {
	return &SGD{
		groups:   groups,
		velocity: map[*tensor.Tensor][]float32{},
		nesterov: true,
	}
}

func (o *SGD) Groups() []*Group { return o.groups }
func (o *SGD) ZeroGrad()        { zeroGroups(o.groups) }

func (o *SGD) Step() error {
	for _, g := range o.groups {
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
			v, ok := o.velocity[p]
			if !ok {
				v = make([]float32, len(data))
				o.velocity[p] = v
			}
			for i := range data {
				d := gRaw[i] + g.WeightDecay*data[i]
				v[i] = g.Momentum*v[i] + d
				if o.nesterov {
					d += g.Momentum * v[i]
				} else {
					d = v[i]
				}
				data[i] -= g.LR * d
			}
		}
	}
	return nil
}
