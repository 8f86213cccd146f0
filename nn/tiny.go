package nn

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/fumitoshi0524/ixeoriDet/boxes"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

const tinyRegMax = 16

// TinyNet is a deliberately small detection network: a global pooled
// stem with batch-norm statistics feeding two dense heads whose outputs
// are tiled over the anchor grid. It exercises the full training
// contract (parameters, buffers, train/eval modes, both forward paths)
// at a size where tests stay fast.
type TinyNet struct {
	classes  int
	strides  []float32
	training bool

	normWeight *tensor.Tensor
	normBias   *tensor.Tensor
	boxWeight  *tensor.Tensor
	boxBias    *tensor.Tensor
	clsWeight  *tensor.Tensor
	clsBias    *tensor.Tensor

	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	numBatches  *tensor.Tensor
}

func init() {
	Register("tiny", func(numClasses int, variant string) (Network, error) {
		return NewTinyNet(numClasses)
	})
}

func NewTinyNet(numClasses int) (*TinyNet, error) {
	if numClasses <= 0 {
		return nil, errors.New("numClasses must be positive")
	}
	bins := tinyRegMax + 1
	net := &TinyNet{
		classes:  numClasses,
		strides:  []float32{8, 16, 32},
		training: true,

		normWeight: tensor.Ones(3),
		normBias:   tensor.Zeros(3),
		boxWeight:  scaledRandn(0.1, 3, 4*bins),
		boxBias:    tensor.Zeros(4 * bins),
		clsWeight:  scaledRandn(0.1, 3, numClasses),
		clsBias:    tensor.Full(-4, numClasses),

		runningMean: tensor.Zeros(3),
		runningVar:  tensor.Ones(3),
		numBatches:  tensor.Zeros(1),
	}
	for _, p := range []*tensor.Tensor{net.normWeight, net.normBias, net.boxWeight, net.boxBias, net.clsWeight, net.clsBias} {
		p.SetRequiresGrad(true)
	}
	return net, nil
}

func scaledRandn(scale float32, shape ...int) *tensor.Tensor {
	t := tensor.Randn(shape...)
	t.Scale(scale)
	return t
}

func (n *TinyNet) NamedParameters() []NamedTensor {
	return []NamedTensor{
		{"stem.norm.weight", n.normWeight},
		{"stem.norm.bias", n.normBias},
		{"head.cv2.0.cv2_0_0.conv.weight", n.boxWeight},
		{"head.cv2.0.cv2_0_0.conv.bias", n.boxBias},
		{"head.cv3.0.cv3_0_0.conv.weight", n.clsWeight},
		{"head.cv3.0.cv3_0_0.conv.bias", n.clsBias},
	}
}

func (n *TinyNet) NamedBuffers() []NamedTensor {
	return []NamedTensor{
		{"stem.norm.running_mean", n.runningMean},
		{"stem.norm.running_var", n.runningVar},
		{"stem.norm.num_batches_tracked", n.numBatches},
	}
}

func (n *TinyNet) FeatureChannels() []int { return []int{64, 128, 256} }
func (n *TinyNet) Strides() []float32    { return n.strides }
func (n *TinyNet) NumClasses() int       { return n.classes }
func (n *TinyNet) RegMax() int           { return tinyRegMax }
func (n *TinyNet) Train()                { n.training = true }
func (n *TinyNet) Eval()                 { n.training = false }

// ForwardTrain pools each image to a per-channel summary, normalizes it
// with the stem statistics and tiles the head projections over every
// anchor of the three scales.
func (n *TinyNet) ForwardTrain(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, []boxes.FeatureSize, error) {
	shape := images.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return nil, nil, nil, errors.New("images must be (B, 3, H, W)")
	}
	batch, h, w := shape[0], shape[2], shape[3]
	sizes := make([]boxes.FeatureSize, len(n.strides))
	total := 0
	for i, s := range n.strides {
		sizes[i] = boxes.FeatureSize{H: h / int(s), W: w / int(s)}
		total += sizes[i].H * sizes[i].W
	}

	pooled, err := images.Reshape(batch, 3, h*w)
	if err != nil {
		return nil, nil, nil, err
	}
	x, err := tensor.MeanAxis(pooled, 2)
	if err != nil {
		return nil, nil, nil, err
	}
	if n.training {
		n.updateStats(x)
	}
	xn, err := n.normalize(x, batch)
	if err != nil {
		return nil, nil, nil, err
	}

	rawBox, err := n.headOut(xn, n.boxWeight, n.boxBias, batch, total)
	if err != nil {
		return nil, nil, nil, err
	}
	rawCls, err := n.headOut(xn, n.clsWeight, n.clsBias, batch, total)
	if err != nil {
		return nil, nil, nil, err
	}
	return rawBox, rawCls, sizes, nil
}

func (n *TinyNet) normalize(x *tensor.Tensor, batch int) (*tensor.Tensor, error) {
	const eps = 1e-5
	rm := n.runningMean.Data()
	rv := n.runningVar.Data()
	mean := make([]float32, batch*3)
	invStd := make([]float32, batch*3)
	for b := 0; b < batch; b++ {
		for c := 0; c < 3; c++ {
			mean[b*3+c] = rm[c]
			invStd[b*3+c] = 1 / math32.Sqrt(rv[c]+eps)
		}
	}
	centered, err := tensor.Sub(x, tensor.MustNew(mean, batch, 3))
	if err != nil {
		return nil, err
	}
	scaled, err := tensor.Mul(centered, tensor.MustNew(invStd, batch, 3))
	if err != nil {
		return nil, err
	}
	wB, err := tensor.BroadcastTo(n.normWeight.MustReshape(1, 3), []int{batch, 3})
	if err != nil {
		return nil, err
	}
	bB, err := tensor.BroadcastTo(n.normBias.MustReshape(1, 3), []int{batch, 3})
	if err != nil {
		return nil, err
	}
	out, err := tensor.Mul(scaled, wB)
	if err != nil {
		return nil, err
	}
	return tensor.Add(out, bB)
}

func (n *TinyNet) updateStats(x *tensor.Tensor) {
	const momentum = 0.1
	raw := x.Detach().Raw()
	batch := len(raw) / 3
	rm := n.runningMean.Raw()
	rv := n.runningVar.Raw()
	for c := 0; c < 3; c++ {
		var mean, sq float32
		for b := 0; b < batch; b++ {
			v := raw[b*3+c]
			mean += v
			sq += v * v
		}
		mean /= float32(batch)
		variance := sq/float32(batch) - mean*mean
		rm[c] = (1-momentum)*rm[c] + momentum*mean
		rv[c] = (1-momentum)*rv[c] + momentum*variance
	}
	n.numBatches.Raw()[0]++
}

func (n *TinyNet) headOut(x, weight, bias *tensor.Tensor, batch, anchors int) (*tensor.Tensor, error) {
	out, err := tensor.MatMul(x, weight)
	if err != nil {
		return nil, err
	}
	ch := weight.Shape()[1]
	bB, err := tensor.BroadcastTo(bias.MustReshape(1, ch), []int{batch, ch})
	if err != nil {
		return nil, err
	}
	out, err = tensor.Add(out, bB)
	if err != nil {
		return nil, err
	}
	col, err := out.Reshape(batch, ch, 1)
	if err != nil {
		return nil, err
	}
	return tensor.BroadcastTo(col, []int{batch, ch, anchors})
}

// Forward decodes the raw head outputs into pixel-space xywh boxes and
// leaves the class logits raw for the caller to threshold.
func (n *TinyNet) Forward(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	rawBox, rawCls, sizes, err := n.ForwardTrain(images)
	if err != nil {
		return nil, nil, err
	}
	anchors, strideT, err := boxes.MakeAnchors(sizes, n.strides, 0.5)
	if err != nil {
		return nil, nil, err
	}
	decoded := decodeBoxes(rawBox.Detach(), anchors, strideT, tinyRegMax)
	return decoded, rawCls.Detach(), nil
}

// decodeBoxes turns (B, 4*(R+1), N) bin logits into pixel xywh boxes
// (B, 4, N) via the expected value of each side's softmax distribution.
func decodeBoxes(rawBox, anchors, strideT *tensor.Tensor, regMax int) *tensor.Tensor {
	shape := rawBox.Shape()
	batch, n := shape[0], shape[2]
	bins := regMax + 1
	src := rawBox.Raw()
	aRaw := anchors.Raw()
	sRaw := strideT.Raw()
	out := tensor.Zeros(batch, 4, n)
	dst := out.Raw()
	probs := make([]float32, bins)
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			var sides [4]float32
			for k := 0; k < 4; k++ {
				maxv := float32(math32.Inf(-1))
				for j := 0; j < bins; j++ {
					v := src[(b*(4*bins)+k*bins+j)*n+i]
					if v > maxv {
						maxv = v
					}
				}
				var sum float32
				for j := 0; j < bins; j++ {
					p := math32.Exp(src[(b*(4*bins)+k*bins+j)*n+i] - maxv)
					probs[j] = p
					sum += p
				}
				var ev float32
				for j := 0; j < bins; j++ {
					ev += float32(j) * probs[j] / sum
				}
				sides[k] = ev
			}
			ax, ay := aRaw[i*2], aRaw[i*2+1]
			s := sRaw[i]
			x1 := (ax - sides[0]) * s
			y1 := (ay - sides[1]) * s
			x2 := (ax + sides[2]) * s
			y2 := (ay + sides[3]) * s
			dst[(b*4+0)*n+i] = (x1 + x2) / 2
			dst[(b*4+1)*n+i] = (y1 + y2) / 2
			dst[(b*4+2)*n+i] = x2 - x1
			dst[(b*4+3)*n+i] = y2 - y1
		}
	}
	return out
}
