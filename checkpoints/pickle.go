// Package checkpoints reads and writes .pt-style archives: a zip
// container holding a pickled object graph plus raw little-endian
// tensor storages, with name remapping onto the local module tree.
package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Pickle object model. Dicts keep insertion order because parameter
// iteration order is part of the state-dict contract.

type pyGlobal struct {
	Module string
	Name   string
}

type pyList struct {
	items []interface{}
}

type pySet struct {
	items  []interface{}
	frozen bool
}

type pyDict struct {
	keys []interface{}
	m    map[interface{}]interface{}
}

func newPyDict() *pyDict {
	return &pyDict{m: map[interface{}]interface{}{}}
}

func (d *pyDict) set(k, v interface{}) {
	if _, ok := d.m[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.m[k] = v
}

func (d *pyDict) get(k interface{}) (interface{}, bool) {
	v, ok := d.m[k]
	return v, ok
}

type pyObject struct {
	cls   pyGlobal
	args  []interface{}
	state interface{}
}

// storageHandle is a persistent-id reference to an external tensor
// payload.
type storageHandle struct {
	Class  string
	Key    string
	Device string
	Numel  int64
}

// pyTensor is the rebuilt tensor placeholder: a view into a storage.
type pyTensor struct {
	storage storageHandle
	offset  int64
	shape   []int
	strides []int
}

type unpickler struct {
	data  []byte
	pos   int
	stack []interface{}
	marks []int
	memo  map[int]interface{}
}

func unpickle(data []byte) (interface{}, error) {
	u := &unpickler{data: data, memo: map[int]interface{}{}}
	return u.run()
}

func (u *unpickler) run() (interface{}, error) {
	for {
		at := u.pos
		op, err := u.byte()
		if err != nil {
			return nil, err
		}
		switch op {
		case 0x80: // PROTO
			if _, err := u.byte(); err != nil {
				return nil, err
			}
		case 0x95: // FRAME
			if _, err := u.bytes(8); err != nil {
				return nil, err
			}
		case 0x2E: // STOP
			if len(u.stack) == 0 {
				return nil, fmt.Errorf("pickle stack empty at STOP, offset %d", at)
			}
			return u.pop(), nil
		case 0x4E: // NONE
			u.push(nil)
		case 0x88: // NEWTRUE
			u.push(true)
		case 0x89: // NEWFALSE
			u.push(false)
		case 0x4B: // BININT1
			b, err := u.byte()
			if err != nil {
				return nil, err
			}
			u.push(int64(b))
		case 0x4D: // BININT2
			b, err := u.bytes(2)
			if err != nil {
				return nil, err
			}
			u.push(int64(binary.LittleEndian.Uint16(b)))
		case 0x4A: // BININT
			b, err := u.bytes(4)
			if err != nil {
				return nil, err
			}
			u.push(int64(int32(binary.LittleEndian.Uint32(b))))
		case 0x8A: // LONG1
			n, err := u.byte()
			if err != nil {
				return nil, err
			}
			v, err := u.readLong(int(n), at)
			if err != nil {
				return nil, err
			}
			u.push(v)
		case 0x8B: // LONG4
			b, err := u.bytes(4)
			if err != nil {
				return nil, err
			}
			v, err := u.readLong(int(binary.LittleEndian.Uint32(b)), at)
			if err != nil {
				return nil, err
			}
			u.push(v)
		case 0x47: // BINFLOAT
			b, err := u.bytes(8)
			if err != nil {
				return nil, err
			}
			u.push(math.Float64frombits(binary.BigEndian.Uint64(b)))
		case 0x8C: // SHORT_BINUNICODE
			n, err := u.byte()
			if err != nil {
				return nil, err
			}
			s, err := u.bytes(int(n))
			if err != nil {
				return nil, err
			}
			u.push(string(s))
		case 0x58: // BINUNICODE
			b, err := u.bytes(4)
			if err != nil {
				return nil, err
			}
			s, err := u.bytes(int(binary.LittleEndian.Uint32(b)))
			if err != nil {
				return nil, err
			}
			u.push(string(s))
		case 0x8D: // BINUNICODE8
			b, err := u.bytes(8)
			if err != nil {
				return nil, err
			}
			s, err := u.bytes(int(binary.LittleEndian.Uint64(b)))
			if err != nil {
				return nil, err
			}
			u.push(string(s))
		case 0x43: // SHORT_BINBYTES
			n, err := u.byte()
			if err != nil {
				return nil, err
			}
			b, err := u.bytes(int(n))
			if err != nil {
				return nil, err
			}
			u.push(append([]byte(nil), b...))
		case 0x8E: // BINBYTES8
			b, err := u.bytes(8)
			if err != nil {
				return nil, err
			}
			p, err := u.bytes(int(binary.LittleEndian.Uint64(b)))
			if err != nil {
				return nil, err
			}
			u.push(append([]byte(nil), p...))
		case 0x42: // BINBYTES
			b, err := u.bytes(4)
			if err != nil {
				return nil, err
			}
			p, err := u.bytes(int(binary.LittleEndian.Uint32(b)))
			if err != nil {
				return nil, err
			}
			u.push(append([]byte(nil), p...))
		case 0x85: // TUPLE1
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			a := u.pop()
			u.push([]interface{}{a})
		case 0x86: // TUPLE2
			if err := u.need(2, at); err != nil {
				return nil, err
			}
			b := u.pop()
			a := u.pop()
			u.push([]interface{}{a, b})
		case 0x87: // TUPLE3
			if err := u.need(3, at); err != nil {
				return nil, err
			}
			c := u.pop()
			b := u.pop()
			a := u.pop()
			u.push([]interface{}{a, b, c})
		case 0x74: // TUPLE
			items, err := u.popMark(at)
			if err != nil {
				return nil, err
			}
			u.push(items)
		case 0x5D: // EMPTY_LIST
			u.push(&pyList{})
		case 0x61: // APPEND
			if err := u.need(2, at); err != nil {
				return nil, err
			}
			v := u.pop()
			lst, ok := u.top().(*pyList)
			if !ok {
				return nil, fmt.Errorf("APPEND on non-list at offset %d", at)
			}
			lst.items = append(lst.items, v)
		case 0x65: // APPENDS
			items, err := u.popMark(at)
			if err != nil {
				return nil, err
			}
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			lst, ok := u.top().(*pyList)
			if !ok {
				return nil, fmt.Errorf("APPENDS on non-list at offset %d", at)
			}
			lst.items = append(lst.items, items...)
		case 0x7D: // EMPTY_DICT
			u.push(newPyDict())
		case 0x73: // SETITEM
			if err := u.need(3, at); err != nil {
				return nil, err
			}
			v := u.pop()
			k := u.pop()
			if err := u.setItem(k, v, at); err != nil {
				return nil, err
			}
		case 0x75: // SETITEMS
			items, err := u.popMark(at)
			if err != nil {
				return nil, err
			}
			if len(items)%2 != 0 {
				return nil, fmt.Errorf("odd SETITEMS count at offset %d", at)
			}
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			for i := 0; i < len(items); i += 2 {
				if err := u.setItem(items[i], items[i+1], at); err != nil {
					return nil, err
				}
			}
		case 0x28: // MARK
			u.marks = append(u.marks, len(u.stack))
		case 0x71: // BINPUT
			n, err := u.byte()
			if err != nil {
				return nil, err
			}
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			u.memo[int(n)] = u.top()
		case 0x72: // LONG_BINPUT
			b, err := u.bytes(4)
			if err != nil {
				return nil, err
			}
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			u.memo[int(binary.LittleEndian.Uint32(b))] = u.top()
		case 0x94: // MEMOIZE
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			u.memo[len(u.memo)] = u.top()
		case 0x68: // BINGET
			n, err := u.byte()
			if err != nil {
				return nil, err
			}
			v, ok := u.memo[int(n)]
			if !ok {
				return nil, fmt.Errorf("memo miss %d at offset %d", n, at)
			}
			u.push(v)
		case 0x6A: // LONG_BINGET
			b, err := u.bytes(4)
			if err != nil {
				return nil, err
			}
			idx := int(binary.LittleEndian.Uint32(b))
			v, ok := u.memo[idx]
			if !ok {
				return nil, fmt.Errorf("memo miss %d at offset %d", idx, at)
			}
			u.push(v)
		case 0x63: // GLOBAL
			mod, err := u.line()
			if err != nil {
				return nil, err
			}
			name, err := u.line()
			if err != nil {
				return nil, err
			}
			u.push(pyGlobal{Module: mod, Name: name})
		case 0x93: // STACK_GLOBAL
			if err := u.need(2, at); err != nil {
				return nil, err
			}
			name, okN := u.pop().(string)
			mod, okM := u.pop().(string)
			if !okN || !okM {
				return nil, fmt.Errorf("STACK_GLOBAL expects two strings at offset %d", at)
			}
			u.push(pyGlobal{Module: mod, Name: name})
		case 0x52: // REDUCE
			if err := u.need(2, at); err != nil {
				return nil, err
			}
			args, okA := u.pop().([]interface{})
			callable, okC := u.pop().(pyGlobal)
			if !okA || !okC {
				return nil, fmt.Errorf("REDUCE expects callable and tuple at offset %d", at)
			}
			v, err := reduce(callable, args, at)
			if err != nil {
				return nil, err
			}
			u.push(v)
		case 0x62: // BUILD
			if err := u.need(2, at); err != nil {
				return nil, err
			}
			state := u.pop()
			switch obj := u.top().(type) {
			case *pyObject:
				obj.state = state
			case *pyDict:
				if sd, ok := state.(*pyDict); ok {
					for _, k := range sd.keys {
						obj.set(k, sd.m[k])
					}
				}
			default:
				return nil, fmt.Errorf("BUILD on unsupported value at offset %d", at)
			}
		case 0x81: // NEWOBJ
			if err := u.need(2, at); err != nil {
				return nil, err
			}
			args, okA := u.pop().([]interface{})
			cls, okC := u.pop().(pyGlobal)
			if !okA || !okC {
				return nil, fmt.Errorf("NEWOBJ expects class and tuple at offset %d", at)
			}
			v, err := reduce(cls, args, at)
			if err != nil {
				return nil, err
			}
			u.push(v)
		case 0x92: // NEWOBJ_EX
			if err := u.need(3, at); err != nil {
				return nil, err
			}
			u.pop() // kwargs
			args, okA := u.pop().([]interface{})
			cls, okC := u.pop().(pyGlobal)
			if !okA || !okC {
				return nil, fmt.Errorf("NEWOBJ_EX expects class and tuple at offset %d", at)
			}
			v, err := reduce(cls, args, at)
			if err != nil {
				return nil, err
			}
			u.push(v)
		case 0x51: // BINPERSID
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			pid := u.pop()
			h, err := persistentLoad(pid, at)
			if err != nil {
				return nil, err
			}
			u.push(h)
		case 0x8F: // EMPTY_SET
			u.push(&pySet{})
		case 0x90: // ADDITEMS
			items, err := u.popMark(at)
			if err != nil {
				return nil, err
			}
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			set, ok := u.top().(*pySet)
			if !ok {
				return nil, fmt.Errorf("ADDITEMS on non-set at offset %d", at)
			}
			set.items = append(set.items, items...)
		case 0x91: // FROZENSET
			items, err := u.popMark(at)
			if err != nil {
				return nil, err
			}
			u.push(&pySet{items: items, frozen: true})
		case 0x30: // POP
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			u.pop()
		case 0x31: // POP_MARK
			if _, err := u.popMark(at); err != nil {
				return nil, err
			}
		case 0x32: // DUP
			if err := u.need(1, at); err != nil {
				return nil, err
			}
			u.push(u.top())
		default:
			return nil, fmt.Errorf("unsupported pickle opcode 0x%02X at offset %d", op, at)
		}
	}
}

func (u *unpickler) setItem(k, v interface{}, at int) error {
	key, err := hashable(k, at)
	if err != nil {
		return err
	}
	d, ok := u.top().(*pyDict)
	if !ok {
		return fmt.Errorf("SETITEM on non-dict at offset %d", at)
	}
	d.set(key, v)
	return nil
}

// hashable narrows dict keys to the comparable kinds the archives use.
func hashable(k interface{}, at int) (interface{}, error) {
	switch k.(type) {
	case nil, bool, int64, float64, string, pyGlobal:
		return k, nil
	}
	return nil, fmt.Errorf("unhashable dict key %T at offset %d", k, at)
}

// reduce interprets the callables the archive format relies on; other
// classes become opaque objects carried by name.
func reduce(callable pyGlobal, args []interface{}, at int) (interface{}, error) {
	switch {
	case callable.Module == "torch._utils" && (callable.Name == "_rebuild_tensor_v2" || callable.Name == "_rebuild_tensor"):
		return rebuildTensor(args, at)
	case callable.Module == "torch._utils" && callable.Name == "_rebuild_parameter":
		if len(args) == 0 {
			return nil, fmt.Errorf("_rebuild_parameter without args at offset %d", at)
		}
		return args[0], nil
	case callable.Module == "collections" && callable.Name == "OrderedDict":
		d := newPyDict()
		if len(args) == 1 {
			if pairs, ok := args[0].(*pyList); ok {
				for _, it := range pairs.items {
					pair, ok := it.([]interface{})
					if !ok || len(pair) != 2 {
						return nil, fmt.Errorf("malformed OrderedDict pairs at offset %d", at)
					}
					key, err := hashable(pair[0], at)
					if err != nil {
						return nil, err
					}
					d.set(key, pair[1])
				}
			}
		}
		return d, nil
	case callable.Name == "frozenset":
		s := &pySet{frozen: true}
		if len(args) == 1 {
			if lst, ok := args[0].(*pyList); ok {
				s.items = append(s.items, lst.items...)
			}
		}
		return s, nil
	}
	return &pyObject{cls: callable, args: args}, nil
}

func rebuildTensor(args []interface{}, at int) (interface{}, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("truncated tensor rebuild args at offset %d", at)
	}
	h, ok := args[0].(storageHandle)
	if !ok {
		return nil, fmt.Errorf("tensor rebuild without storage handle at offset %d", at)
	}
	offset, ok := args[1].(int64)
	if !ok {
		return nil, fmt.Errorf("tensor rebuild offset not integer at offset %d", at)
	}
	shape, err := intTuple(args[2], at)
	if err != nil {
		return nil, err
	}
	strides, err := intTuple(args[3], at)
	if err != nil {
		return nil, err
	}
	return &pyTensor{storage: h, offset: offset, shape: shape, strides: strides}, nil
}

func intTuple(v interface{}, at int) ([]int, error) {
	tup, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected tuple of ints at offset %d", at)
	}
	out := make([]int, len(tup))
	for i, item := range tup {
		n, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("expected tuple of ints at offset %d", at)
		}
		out[i] = int(n)
	}
	return out, nil
}

// persistentLoad decodes ("storage", class, key, device, numel) tags.
func persistentLoad(pid interface{}, at int) (storageHandle, error) {
	tup, ok := pid.([]interface{})
	if !ok || len(tup) < 5 {
		return storageHandle{}, fmt.Errorf("malformed persistent id at offset %d", at)
	}
	tag, _ := tup[0].(string)
	if tag != "storage" {
		return storageHandle{}, fmt.Errorf("unknown persistent id tag %q at offset %d", tag, at)
	}
	cls, ok := tup[1].(pyGlobal)
	if !ok {
		return storageHandle{}, fmt.Errorf("persistent id class missing at offset %d", at)
	}
	key, _ := tup[2].(string)
	device, _ := tup[3].(string)
	numel, _ := tup[4].(int64)
	return storageHandle{Class: cls.Name, Key: key, Device: device, Numel: numel}, nil
}

func (u *unpickler) readLong(n, at int) (int64, error) {
	if n > 8 {
		return 0, fmt.Errorf("long integer of %d bytes at offset %d", n, at)
	}
	b, err := u.bytes(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	if n > 0 && b[n-1]&0x80 != 0 {
		// sign-extend
		for i := n; i < 8; i++ {
			v |= 0xFF << (8 * uint(i))
		}
	}
	return int64(v), nil
}

func (u *unpickler) byte() (byte, error) {
	if u.pos >= len(u.data) {
		return 0, fmt.Errorf("truncated pickle stream at offset %d", u.pos)
	}
	b := u.data[u.pos]
	u.pos++
	return b, nil
}

func (u *unpickler) bytes(n int) ([]byte, error) {
	if u.pos+n > len(u.data) {
		return nil, fmt.Errorf("truncated pickle stream at offset %d", u.pos)
	}
	b := u.data[u.pos : u.pos+n]
	u.pos += n
	return b, nil
}

func (u *unpickler) line() (string, error) {
	start := u.pos
	for u.pos < len(u.data) {
		if u.data[u.pos] == '\n' {
			s := string(u.data[start:u.pos])
			u.pos++
			return s, nil
		}
		u.pos++
	}
	return "", fmt.Errorf("unterminated line at offset %d", start)
}

func (u *unpickler) push(v interface{}) { u.stack = append(u.stack, v) }

// need rejects an opcode that would pop or peek past the stack bottom.
func (u *unpickler) need(n, at int) error {
	if len(u.stack) < n {
		return fmt.Errorf("pickle stack underflow at offset %d", at)
	}
	return nil
}

func (u *unpickler) pop() interface{} {
	v := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return v
}

func (u *unpickler) top() interface{} { return u.stack[len(u.stack)-1] }

func (u *unpickler) popMark(at int) ([]interface{}, error) {
	if len(u.marks) == 0 {
		return nil, fmt.Errorf("no mark on stack at offset %d", at)
	}
	m := u.marks[len(u.marks)-1]
	u.marks = u.marks[:len(u.marks)-1]
	if m > len(u.stack) {
		return nil, fmt.Errorf("pickle stack underflow at offset %d", at)
	}
	items := append([]interface{}(nil), u.stack[m:]...)
	u.stack = u.stack[:m]
	return items, nil
}
