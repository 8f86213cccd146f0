package checkpoints

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Remapper translates the source framework's positional parameter names
// (model.<N>.<rest>) to local hierarchical prefixes. The table is data:
// adding a layer index never touches the translation logic. Slots with
// no parameters (upsample, concatenate) are simply absent.
type Remapper struct {
	Slots map[int]string
}

// DefaultRemapper covers the detection architecture's module slots.
func DefaultRemapper() *Remapper {
	return &Remapper{Slots: map[int]string{
		0:  "stem",
		1:  "backbone.stage1.down",
		2:  "backbone.stage1.block",
		3:  "backbone.stage2.down",
		4:  "backbone.stage2.block",
		5:  "backbone.stage3.down",
		6:  "backbone.stage3.block",
		7:  "backbone.stage4.down",
		8:  "backbone.stage4.block",
		9:  "backbone.sppf",
		12: "neck.p4",
		15: "neck.p3",
		16: "neck.down_p3",
		18: "neck.n4",
		19: "neck.down_p4",
		21: "neck.n5",
		22: "head",
	}}
}

// Apply translates one source name. The second result is false when the
// name does not belong to a mapped slot.
func (r *Remapper) Apply(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "model.")
	if !ok {
		return "", false
	}
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return "", false
	}
	slot, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return "", false
	}
	prefix, ok := r.Slots[slot]
	if !ok {
		return "", false
	}
	return prefix + "." + flattenHead(rest[dot+1:]), true
}

// Invert translates a local name back to the source naming, for writing
// archives the source framework could read.
func (r *Remapper) Invert(local string) (string, bool) {
	// longest prefix wins so backbone.stage1.down beats backbone.stage1
	type entry struct {
		slot   int
		prefix string
	}
	entries := make([]entry, 0, len(r.Slots))
	for slot, prefix := range r.Slots {
		entries = append(entries, entry{slot, prefix})
	}
	sort.Slice(entries, func(i, j int) bool { return len(entries[i].prefix) > len(entries[j].prefix) })
	for _, e := range entries {
		if rest, ok := strings.CutPrefix(local, e.prefix+"."); ok {
			return fmt.Sprintf("model.%d.%s", e.slot, unflattenHead(rest)), true
		}
	}
	return "", false
}

// flattenHead rewrites the head's nested sequential paths cv2.i.j.<rest>
// into the local flat naming cv2.<i>.cv2_<i>_<j>.<rest>.
func flattenHead(rest string) string {
	parts := strings.SplitN(rest, ".", 4)
	if len(parts) < 4 {
		return rest
	}
	branch := parts[0]
	if branch != "cv2" && branch != "cv3" {
		return rest
	}
	i, errI := strconv.Atoi(parts[1])
	j, errJ := strconv.Atoi(parts[2])
	if errI != nil || errJ != nil {
		return rest
	}
	return fmt.Sprintf("%s.%d.%s_%d_%d.%s", branch, i, branch, i, j, parts[3])
}

// unflattenHead is the inverse of flattenHead.
func unflattenHead(rest string) string {
	parts := strings.SplitN(rest, ".", 4)
	if len(parts) < 4 {
		return rest
	}
	branch := parts[0]
	if branch != "cv2" && branch != "cv3" {
		return rest
	}
	i, errI := strconv.Atoi(parts[1])
	if errI != nil {
		return rest
	}
	want := fmt.Sprintf("%s_%d_", branch, i)
	if !strings.HasPrefix(parts[2], want) {
		return rest
	}
	j, errJ := strconv.Atoi(strings.TrimPrefix(parts[2], want))
	if errJ != nil {
		return rest
	}
	return fmt.Sprintf("%s.%d.%d.%s", branch, i, j, parts[3])
}
