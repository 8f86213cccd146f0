package checkpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func TestRemapperApply(t *testing.T) {
	r := DefaultRemapper()
	cases := map[string]string{
		"model.0.conv.weight":           "stem.conv.weight",
		"model.9.cv1.conv.weight":       "backbone.sppf.cv1.conv.weight",
		"model.22.cv2.0.1.conv.weight":  "head.cv2.0.cv2_0_1.conv.weight",
		"model.22.cv3.2.0.conv.bias":    "head.cv3.2.cv3_2_0.conv.bias",
		"model.22.dfl.conv.weight":      "head.dfl.conv.weight",
		"model.15.m.0.cv1.conv.weight":  "neck.p3.m.0.cv1.conv.weight",
		"model.1.conv.weight":           "backbone.stage1.down.conv.weight",
	}
	for src, want := range cases {
		got, ok := r.Apply(src)
		if !ok {
			t.Fatalf("%s did not remap", src)
		}
		if got != want {
			t.Fatalf("%s remapped to %s, want %s", src, got, want)
		}
	}
	// parameterless slots are absent from the table
	if _, ok := r.Apply("model.10.weight"); ok {
		t.Fatalf("unmapped slot should not remap")
	}
	if _, ok := r.Apply("epoch"); ok {
		t.Fatalf("non-model key should not remap")
	}
}

func TestRemapperInvertRoundTrip(t *testing.T) {
	r := DefaultRemapper()
	names := []string{
		"model.0.norm.weight",
		"model.22.cv2.0.0.conv.weight",
		"model.22.cv3.1.2.conv.bias",
		"model.4.m.1.cv2.conv.weight",
	}
	for _, src := range names {
		local, ok := r.Apply(src)
		if !ok {
			t.Fatalf("%s did not remap", src)
		}
		back, ok := r.Invert(local)
		if !ok {
			t.Fatalf("%s did not invert", local)
		}
		if back != src {
			t.Fatalf("round trip %s -> %s -> %s", src, local, back)
		}
	}
}

func TestArchiveRoundTripBitExact(t *testing.T) {
	tensor.Seed(21)
	net, err := nn.NewTinyNet(4)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	remap := DefaultRemapper()

	// export under the source framework naming
	var srcNames []string
	srcState := map[string]*tensor.Tensor{}
	export := func(nts []nn.NamedTensor) {
		for _, nt := range nts {
			src, ok := remap.Invert(nt.Name)
			if !ok {
				t.Fatalf("no source name for %s", nt.Name)
			}
			srcNames = append(srcNames, src)
			srcState[src] = nt.Tensor.Clone()
		}
	}
	export(net.NamedParameters())
	export(net.NamedBuffers())

	path := filepath.Join(t.TempDir(), "weights.pt")
	if err := WriteArchive(path, srcNames, srcState); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// clobber the live parameters, then import
	fresh, err := nn.NewTinyNet(4)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	for _, nt := range fresh.NamedParameters() {
		for i := range nt.Tensor.Raw() {
			nt.Tensor.Raw()[i] = -7
		}
	}
	rep, err := Load(path, fresh, true)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(rep.Unmatched) != 0 || len(rep.Skipped) != 0 || len(rep.Missing) != 0 {
		t.Fatalf("unclean load report: %+v", rep)
	}

	want := nn.StateDict(net)
	got := nn.StateDict(fresh)
	for name, w := range want {
		g := got[name]
		for i, v := range w.Data() {
			if g.Data()[i] != v {
				t.Fatalf("%s[%d] = %v after round trip, want bit-exact %v", name, i, g.Data()[i], v)
			}
		}
	}
}

func TestLocalStateDictRoundTrip(t *testing.T) {
	tensor.Seed(22)
	net, err := nn.NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	var names []string
	state := map[string]*tensor.Tensor{}
	for _, nt := range net.NamedParameters() {
		names = append(names, nt.Name)
		state[nt.Name] = nt.Tensor.Clone()
	}
	path := filepath.Join(t.TempDir(), "last.pt")
	if err := WriteArchive(path, names, state); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	arch, err := ReadArchive(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(arch.Names) != len(names) {
		t.Fatalf("archive has %d tensors, want %d", len(arch.Names), len(names))
	}
	for i, name := range names {
		if arch.Names[i] != name {
			t.Fatalf("archive order differs at %d: %s vs %s", i, arch.Names[i], name)
		}
		got := arch.Tensors[name]
		want := state[name]
		if len(got.Shape()) != len(want.Shape()) {
			t.Fatalf("%s shape rank mismatch", name)
		}
		for d := range got.Shape() {
			if got.Shape()[d] != want.Shape()[d] {
				t.Fatalf("%s shape mismatch: %v vs %v", name, got.Shape(), want.Shape())
			}
		}
		for j, v := range want.Data() {
			if got.Data()[j] != v {
				t.Fatalf("%s[%d] = %v, want %v", name, j, got.Data()[j], v)
			}
		}
	}
}

func TestShapeMismatchIsSkipped(t *testing.T) {
	tensor.Seed(23)
	net, err := nn.NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	names := []string{"stem.norm.weight"}
	state := map[string]*tensor.Tensor{
		"stem.norm.weight": tensor.Zeros(7), // live tensor is (3)
	}
	path := filepath.Join(t.TempDir(), "bad.pt")
	if err := WriteArchive(path, names, state); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	rep, err := Load(path, net, false)
	if err != nil {
		t.Fatalf("non-strict load should survive: %v", err)
	}
	if len(rep.Skipped) != 1 {
		t.Fatalf("expected one skipped tensor, got %+v", rep)
	}
}

func TestStrictRejectsShapeMismatch(t *testing.T) {
	tensor.Seed(25)
	net, err := nn.NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	names := []string{"stem.norm.weight"}
	state := map[string]*tensor.Tensor{
		"stem.norm.weight": tensor.Zeros(7), // live tensor is (3)
	}
	path := filepath.Join(t.TempDir(), "badstrict.pt")
	if err := WriteArchive(path, names, state); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path, net, true); err == nil {
		t.Fatalf("strict load should fail on shape mismatch")
	} else if !strings.Contains(err.Error(), "skipped") {
		t.Fatalf("error should name the skipped tensor: %v", err)
	}
}

func TestStrictRejectsUnknownKeys(t *testing.T) {
	tensor.Seed(24)
	net, err := nn.NewTinyNet(2)
	if err != nil {
		t.Fatalf("building network failed: %v", err)
	}
	names := []string{"model.10.mystery.weight"}
	state := map[string]*tensor.Tensor{"model.10.mystery.weight": tensor.Zeros(2)}
	path := filepath.Join(t.TempDir(), "unknown.pt")
	if err := WriteArchive(path, names, state); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path, net, true); err == nil {
		t.Fatalf("strict load should fail on unmatched keys")
	}
	rep, err := Load(path, net, false)
	if err != nil {
		t.Fatalf("non-strict load failed: %v", err)
	}
	if len(rep.Unmatched) != 1 {
		t.Fatalf("expected one unmatched key, got %+v", rep)
	}
}

func TestUnsupportedOpcodeNamesOffset(t *testing.T) {
	if _, err := unpickle([]byte{0x80, 0x02, 0xFE}); err == nil {
		t.Fatalf("bogus opcode should fail")
	} else if !strings.Contains(err.Error(), "0xFE") || !strings.Contains(err.Error(), "offset 2") {
		t.Fatalf("error should name opcode and offset: %v", err)
	}
}

func TestStackUnderflowNamesOffset(t *testing.T) {
	// data opcodes popping an empty or short stack must not panic
	streams := [][]byte{
		{0x80, 0x02, 0x85, 0x2E},             // TUPLE1 with nothing to pop
		{0x80, 0x02, 0x52, 0x2E},             // REDUCE on an empty stack
		{0x80, 0x02, 0x88, 0x73, 0x2E},       // SETITEM with only one value
		{0x80, 0x02, 0x88, 0x28, 0x30, 0x74, 0x2E}, // TUPLE after popping below its mark
	}
	for _, s := range streams {
		if _, err := unpickle(s); err == nil {
			t.Fatalf("stream % X should fail", s)
		} else if !strings.Contains(err.Error(), "underflow") || !strings.Contains(err.Error(), "offset") {
			t.Fatalf("stream % X: error should name underflow and offset: %v", s, err)
		}
	}
	if _, err := unpickle([]byte{0x80, 0x02, 0x85, 0x2E}); err == nil || !strings.Contains(err.Error(), "offset 2") {
		t.Fatalf("underflow offset should point at the opcode: %v", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	// BINUNICODE announcing more bytes than remain
	stream := []byte{0x80, 0x02, 0x58, 0xFF, 0x00, 0x00, 0x00}
	if _, err := unpickle(stream); err == nil {
		t.Fatalf("truncated stream should fail")
	} else if !strings.Contains(err.Error(), "truncated") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMissingDataPkl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pt")
	if err := os.WriteFile(path, []byte("PK\x05\x06"+strings.Repeat("\x00", 18)), 0o644); err != nil {
		t.Fatalf("writing stub zip failed: %v", err)
	}
	if _, err := ReadArchive(path); err == nil {
		t.Fatalf("archive without data.pkl should fail")
	}
}

func TestHalfToFloat(t *testing.T) {
	cases := map[uint16]float32{
		0x0000: 0,
		0x3C00: 1,
		0xC000: -2,
		0x3555: 0.333251953125,
	}
	for bits, want := range cases {
		got := halfToFloat(bits)
		if got != want {
			t.Fatalf("half 0x%04X = %v, want %v", bits, got, want)
		}
	}
}
