package checkpoints

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// WriteArchive serializes a flat state dict as a .pt container: one
// pickled dict of rebuilt tensor views plus one Float32 storage entry
// per tensor. names fixes the dict order.
func WriteArchive(path string, names []string, state map[string]*tensor.Tensor) error {
	for _, name := range names {
		if _, ok := state[name]; !ok {
			return fmt.Errorf("state missing tensor %s", name)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	pw := &pickleWriter{}
	pw.proto(2)
	pw.emptyDict()
	for i, name := range names {
		t := state[name]
		key := fmt.Sprintf("%d", i)
		pw.str(name)
		pw.tensor(key, t.Shape(), t.Numel())
		pw.op(0x73) // SETITEM
	}
	pw.op(0x2E) // STOP

	entry, err := zw.Create("archive/data.pkl")
	if err != nil {
		return err
	}
	if _, err := entry.Write(pw.buf.Bytes()); err != nil {
		return err
	}
	for i, name := range names {
		entry, err := zw.Create(fmt.Sprintf("archive/data/%d", i))
		if err != nil {
			return err
		}
		payload := make([]byte, 4*len(state[name].Data()))
		for j, v := range state[name].Data() {
			binary.LittleEndian.PutUint32(payload[j*4:], math.Float32bits(v))
		}
		if _, err := entry.Write(payload); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

type pickleWriter struct {
	buf bytes.Buffer
}

func (w *pickleWriter) op(b byte) { w.buf.WriteByte(b) }

func (w *pickleWriter) proto(v byte) {
	w.op(0x80)
	w.buf.WriteByte(v)
}

func (w *pickleWriter) emptyDict() { w.op(0x7D) }

func (w *pickleWriter) str(s string) {
	if len(s) < 256 {
		w.op(0x8C) // SHORT_BINUNICODE
		w.buf.WriteByte(byte(len(s)))
		w.buf.WriteString(s)
		return
	}
	w.op(0x58) // BINUNICODE
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	w.buf.Write(n[:])
	w.buf.WriteString(s)
}

func (w *pickleWriter) num(v int) {
	w.op(0x4A) // BININT
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
	w.buf.Write(b[:])
}

func (w *pickleWriter) global(module, name string) {
	w.op(0x63)
	w.buf.WriteString(module)
	w.buf.WriteByte('\n')
	w.buf.WriteString(name)
	w.buf.WriteByte('\n')
}

func (w *pickleWriter) mark() { w.op(0x28) }

func (w *pickleWriter) tupleFromMark() { w.op(0x74) }

// tensor emits a _rebuild_tensor_v2 REDUCE referencing a contiguous
// Float32 storage under the given key.
func (w *pickleWriter) tensor(key string, shape []int, numel int) {
	w.global("torch._utils", "_rebuild_tensor_v2")
	w.mark()

	// persistent id: ("storage", FloatStorage, key, "cpu", numel)
	w.mark()
	w.str("storage")
	w.global("torch", "FloatStorage")
	w.str(key)
	w.str("cpu")
	w.num(numel)
	w.tupleFromMark()
	w.op(0x51) // BINPERSID

	w.num(0) // storage offset

	w.mark()
	for _, d := range shape {
		w.num(d)
	}
	w.tupleFromMark()

	w.mark()
	stride := 1
	strides := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	for _, s := range strides {
		w.num(s)
	}
	w.tupleFromMark()

	w.op(0x89) // NEWFALSE, requires_grad
	w.emptyDict()

	w.tupleFromMark()
	w.op(0x52) // REDUCE
}
