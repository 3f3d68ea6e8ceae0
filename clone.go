package taskloop

import "reflect"

var (
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	bufferPtrType = reflect.TypeOf((*Buffer)(nil))
)

// structuredClone deep-copies v so the result shares no mutable state with
// the original. Buffers listed in transfers move instead: their contents are
// claimed up front (detaching the sender's view) and reattached to fresh
// Buffers in the clone. Scalars and strings copy trivially; slices, arrays,
// maps, pointers, and exported struct fields copy recursively, with a memo
// table preserving shared references and cycles. Unexported struct fields
// copy shallowly with their enclosing struct, which keeps opaque values such
// as time.Time intact. Error values pass through uncopied; by convention
// they are immutable. Funcs, channels, and unsafe pointers have no clone
// representation and report *DataCloneError.
func structuredClone(v Result, transfers []*Buffer) (Result, error) {
	c := cloner{}
	for _, b := range transfers {
		if b == nil {
			continue
		}
		if _, dup := c.moved[b]; dup {
			continue
		}
		data, ok := b.detach()
		if !ok {
			return nil, &DataCloneError{Type: "detached " + bufferPtrType.String()}
		}
		if c.moved == nil {
			c.moved = make(map[*Buffer][]byte, len(transfers))
		}
		c.moved[b] = data
	}
	if v == nil {
		return nil, nil
	}
	out, err := c.clone(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	if !out.IsValid() {
		return nil, nil
	}
	return out.Interface(), nil
}

type cloner struct {
	moved map[*Buffer][]byte
	memo  map[memoKey]reflect.Value
}

// memoKey identifies a reference already cloned. Slices need the length as
// well as the data pointer: two slices over one array are distinct values.
type memoKey struct {
	ptr uintptr
	len int
	typ reflect.Type
}

func (c *cloner) clone(v reflect.Value) (reflect.Value, error) {
	if !v.IsValid() {
		return v, nil
	}
	if v.Type().Implements(errorType) {
		return v, nil
	}

	switch v.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return v, nil

	case reflect.Interface:
		if v.IsNil() {
			return v, nil
		}
		return c.clone(v.Elem())

	case reflect.Pointer:
		return c.clonePointer(v)

	case reflect.Slice:
		return c.cloneSlice(v)

	case reflect.Array:
		return c.cloneArray(v)

	case reflect.Map:
		return c.cloneMap(v)

	case reflect.Struct:
		return c.cloneStruct(v)

	default:
		// Chan, Func, UnsafePointer.
		return reflect.Value{}, &DataCloneError{Type: v.Type().String()}
	}
}

func (c *cloner) clonePointer(v reflect.Value) (reflect.Value, error) {
	if v.IsNil() {
		return v, nil
	}
	if v.Type() == bufferPtrType {
		return c.cloneBuffer(v.Interface().(*Buffer))
	}
	key := memoKey{ptr: v.Pointer(), typ: v.Type()}
	if got, ok := c.memo[key]; ok {
		return got, nil
	}
	np := reflect.New(v.Type().Elem())
	c.remember(key, np)
	ev, err := c.clone(v.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	if ev.IsValid() {
		np.Elem().Set(ev)
	}
	return np, nil
}

// cloneBuffer replaces a transferred Buffer with a fresh one carrying the
// moved bytes, and deep-copies any other live Buffer. The replacement is
// memoized so every reference to one transferred Buffer lands on the same
// clone.
func (c *cloner) cloneBuffer(b *Buffer) (reflect.Value, error) {
	key := memoKey{ptr: reflect.ValueOf(b).Pointer(), typ: bufferPtrType}
	if got, ok := c.memo[key]; ok {
		return got, nil
	}
	if data, ok := c.moved[b]; ok {
		nv := reflect.ValueOf(&Buffer{data: data})
		c.remember(key, nv)
		return nv, nil
	}
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return reflect.Value{}, &DataCloneError{Type: "detached " + bufferPtrType.String()}
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	b.mu.Unlock()
	nv := reflect.ValueOf(&Buffer{data: cp})
	c.remember(key, nv)
	return nv, nil
}

func (c *cloner) cloneSlice(v reflect.Value) (reflect.Value, error) {
	if v.IsNil() {
		return v, nil
	}
	key := memoKey{ptr: v.Pointer(), len: v.Len(), typ: v.Type()}
	if got, ok := c.memo[key]; ok {
		return got, nil
	}
	if v.Type().Elem().Kind() == reflect.Uint8 {
		ns := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(ns, v)
		c.remember(key, ns)
		return ns, nil
	}
	ns := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	c.remember(key, ns)
	for i := 0; i < v.Len(); i++ {
		ev, err := c.clone(v.Index(i))
		if err != nil {
			return reflect.Value{}, err
		}
		if ev.IsValid() {
			ns.Index(i).Set(ev)
		}
	}
	return ns, nil
}

func (c *cloner) cloneArray(v reflect.Value) (reflect.Value, error) {
	na := reflect.New(v.Type()).Elem()
	for i := 0; i < v.Len(); i++ {
		ev, err := c.clone(v.Index(i))
		if err != nil {
			return reflect.Value{}, err
		}
		if ev.IsValid() {
			na.Index(i).Set(ev)
		}
	}
	return na, nil
}

func (c *cloner) cloneMap(v reflect.Value) (reflect.Value, error) {
	if v.IsNil() {
		return v, nil
	}
	key := memoKey{ptr: v.Pointer(), typ: v.Type()}
	if got, ok := c.memo[key]; ok {
		return got, nil
	}
	nm := reflect.MakeMapWithSize(v.Type(), v.Len())
	c.remember(key, nm)
	iter := v.MapRange()
	for iter.Next() {
		kv, err := c.clone(iter.Key())
		if err != nil {
			return reflect.Value{}, err
		}
		vv, err := c.clone(iter.Value())
		if err != nil {
			return reflect.Value{}, err
		}
		if !kv.IsValid() {
			kv = reflect.Zero(v.Type().Key())
		}
		if !vv.IsValid() {
			vv = reflect.Zero(v.Type().Elem())
		}
		nm.SetMapIndex(kv, vv)
	}
	return nm, nil
}

// cloneStruct copies the whole value first, carrying unexported fields
// along shallowly, then re-clones the exported fields in place.
func (c *cloner) cloneStruct(v reflect.Value) (reflect.Value, error) {
	ns := reflect.New(v.Type()).Elem()
	ns.Set(v)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		fv, err := c.clone(v.Field(i))
		if err != nil {
			return reflect.Value{}, err
		}
		if fv.IsValid() {
			ns.Field(i).Set(fv)
		} else {
			ns.Field(i).Set(reflect.Zero(t.Field(i).Type))
		}
	}
	return ns, nil
}

func (c *cloner) remember(key memoKey, v reflect.Value) {
	if c.memo == nil {
		c.memo = make(map[memoKey]reflect.Value)
	}
	c.memo[key] = v
}
