package checkpoints

import (
	"archive/zip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Archive is the flattened result of reading a .pt container: dotted
// parameter names mapped to dense float32 tensors, in source order.
type Archive struct {
	Names   []string
	Tensors map[string]*tensor.Tensor
}

// elemSizes maps the storage class names to their on-disk element width.
var elemSizes = map[string]int{
	"FloatStorage":    4,
	"DoubleStorage":   8,
	"HalfStorage":     2,
	"BFloat16Storage": 2,
	"LongStorage":     8,
	"IntStorage":      4,
	"ShortStorage":    2,
	"CharStorage":     1,
	"ByteStorage":     1,
	"BoolStorage":     1,
}

// ReadArchive opens a .pt container and materializes every tensor it
// references, widening all element types to float32.
func ReadArchive(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	var pickleEntry *zip.File
	prefix := ""
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "data.pkl") {
			pickleEntry = f
			prefix = strings.TrimSuffix(f.Name, "data.pkl")
			break
		}
	}
	if pickleEntry == nil {
		return nil, fmt.Errorf("archive %s has no data.pkl entry", path)
	}
	data, err := readEntry(pickleEntry)
	if err != nil {
		return nil, err
	}
	root, err := unpickle(data)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", path, err)
	}

	loader := &storageLoader{zr: &zr.Reader, prefix: prefix, cache: map[string][]float32{}}
	arch := &Archive{Tensors: map[string]*tensor.Tensor{}}
	if err := arch.collect(root, loader); err != nil {
		return nil, fmt.Errorf("archive %s: %w", path, err)
	}
	return arch, nil
}

// collect walks the unpickled graph. Full checkpoints carry a dict with
// a "model" entry; plain state dicts map names straight to tensors.
func (a *Archive) collect(root interface{}, loader *storageLoader) error {
	if d, ok := root.(*pyDict); ok {
		if model, ok := d.get("model"); ok {
			root = model
		}
	}
	switch v := root.(type) {
	case *pyDict:
		return a.collectStateDict(v, loader)
	case *pyObject:
		return a.collectModule(v, "", loader)
	}
	return fmt.Errorf("unsupported checkpoint root %T", root)
}

func (a *Archive) collectStateDict(d *pyDict, loader *storageLoader) error {
	for _, k := range d.keys {
		name, ok := k.(string)
		if !ok {
			continue
		}
		pt, ok := d.m[k].(*pyTensor)
		if !ok {
			continue // epoch counters, optimizer state, metadata
		}
		t, err := loader.materialize(pt)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		a.add(name, t)
	}
	return nil
}

// collectModule walks the pickled module tree through its _parameters,
// _buffers and _modules sub-dictionaries.
func (a *Archive) collectModule(obj *pyObject, prefix string, loader *storageLoader) error {
	state, ok := obj.state.(*pyDict)
	if !ok {
		return nil
	}
	grab := func(slot string) error {
		sub, ok := state.get(slot)
		if !ok {
			return nil
		}
		d, ok := sub.(*pyDict)
		if !ok {
			return nil
		}
		for _, k := range d.keys {
			name, ok := k.(string)
			if !ok {
				continue
			}
			pt, ok := d.m[k].(*pyTensor)
			if !ok {
				continue
			}
			t, err := loader.materialize(pt)
			if err != nil {
				return fmt.Errorf("tensor %s%s: %w", prefix, name, err)
			}
			a.add(prefix+name, t)
		}
		return nil
	}
	if err := grab("_parameters"); err != nil {
		return err
	}
	if err := grab("_buffers"); err != nil {
		return err
	}
	if mods, ok := state.get("_modules"); ok {
		if d, ok := mods.(*pyDict); ok {
			for _, k := range d.keys {
				name, ok := k.(string)
				if !ok {
					continue
				}
				child, ok := d.m[k].(*pyObject)
				if !ok {
					continue
				}
				if err := a.collectModule(child, prefix+name+".", loader); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (a *Archive) add(name string, t *tensor.Tensor) {
	if _, ok := a.Tensors[name]; !ok {
		a.Names = append(a.Names, name)
	}
	a.Tensors[name] = t
}

type storageLoader struct {
	zr     *zip.Reader
	prefix string
	cache  map[string][]float32
}

// materialize gathers a strided storage view into a contiguous tensor.
func (l *storageLoader) materialize(pt *pyTensor) (*tensor.Tensor, error) {
	storage, err := l.storage(pt.storage)
	if err != nil {
		return nil, err
	}
	numel := 1
	for _, d := range pt.shape {
		numel *= d
	}
	out := make([]float32, numel)
	if len(pt.shape) == 0 {
		if int(pt.offset) >= len(storage) && numel > 0 {
			return nil, fmt.Errorf("storage %s too small", pt.storage.Key)
		}
		if numel > 0 {
			out[0] = storage[pt.offset]
		}
		return tensor.New(out, 1)
	}
	idx := make([]int, len(pt.shape))
	for i := 0; i < numel; i++ {
		src := int(pt.offset)
		for d, v := range idx {
			src += v * pt.strides[d]
		}
		if src >= len(storage) {
			return nil, fmt.Errorf("storage %s too small for view", pt.storage.Key)
		}
		out[i] = storage[src]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pt.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return tensor.New(out, pt.shape...)
}

func (l *storageLoader) storage(h storageHandle) ([]float32, error) {
	if cached, ok := l.cache[h.Key]; ok {
		return cached, nil
	}
	size, ok := elemSizes[h.Class]
	if !ok {
		return nil, fmt.Errorf("unknown storage class %s", h.Class)
	}
	name := l.prefix + "data/" + h.Key
	var entry *zip.File
	for _, f := range l.zr.File {
		if f.Name == name {
			entry = f
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("missing storage entry %s", name)
	}
	raw, err := readEntry(entry)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) < h.Numel*int64(size) {
		return nil, fmt.Errorf("truncated storage payload %s: %d bytes for %d elements", name, len(raw), h.Numel)
	}
	out, err := widen(raw, h.Class, int(h.Numel))
	if err != nil {
		return nil, err
	}
	l.cache[h.Key] = out
	return out, nil
}

// widen converts raw little-endian payload bytes to float32.
func widen(raw []byte, class string, numel int) ([]float32, error) {
	out := make([]float32, numel)
	switch class {
	case "FloatStorage":
		for i := 0; i < numel; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "DoubleStorage":
		for i := 0; i < numel; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "HalfStorage":
		for i := 0; i < numel; i++ {
			out[i] = halfToFloat(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BFloat16Storage":
		for i := 0; i < numel; i++ {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case "LongStorage":
		for i := 0; i < numel; i++ {
			out[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "IntStorage":
		for i := 0; i < numel; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "ShortStorage":
		for i := 0; i < numel; i++ {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case "CharStorage":
		for i := 0; i < numel; i++ {
			out[i] = float32(int8(raw[i]))
		}
	case "ByteStorage":
		for i := 0; i < numel; i++ {
			out[i] = float32(raw[i])
		}
	case "BoolStorage":
		for i := 0; i < numel; i++ {
			if raw[i] != 0 {
				out[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("unknown storage class %s", class)
	}
	return out, nil
}

// halfToFloat decodes an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF
	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3FF
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	return data, nil
}
