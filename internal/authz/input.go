package authz

import (
	"maps"
	"reflect"
	"strings"
	"time"
)

// Input is the evaluation context of one request: the resolved entities,
// the action and the merged request context.
type Input struct {
	Principal node
	Resource  node
	Action    ActionRef
	Context   map[string]any
}

type node struct {
	ref       EntityRef
	attrs     map[string]any
	ancestors map[string]struct{}
}

func newNode(e Entity) node {
	attrs := make(map[string]any, len(e.Attributes)+6)
	maps.Copy(attrs, e.Attributes)
	attrs["type"] = e.Type
	attrs["id"] = e.ID
	attrs["version"] = e.Version
	if a, ok := e.Relationships.Alliance.Get(); ok {
		attrs["alliance"] = a
	}
	attrs["roles"] = toAnySlice(e.Relationships.Roles)
	attrs["groups"] = toAnySlice(e.Relationships.Groups)

	parents := e.Relationships.Parents()
	ancestors := make(map[string]struct{}, len(parents)+1)
	ancestors[e.Ref().String()] = struct{}{}
	for _, p := range parents {
		ancestors[p] = struct{}{}
	}
	return node{ref: e.Ref(), attrs: attrs, ancestors: ancestors}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// NewInput builds the evaluation context. now and nowUnix are always set
// from the engine clock and cannot be supplied by the caller.
func NewInput(req Request, principal, resource Entity, now time.Time) *Input {
	ctx := make(map[string]any, len(req.Context)+2)
	maps.Copy(ctx, req.Context)
	ctx["now"] = now.UTC().Format(time.RFC3339)
	ctx["nowUnix"] = now.Unix()
	return &Input{
		Principal: newNode(principal),
		Resource:  newNode(resource),
		Action:    req.Action,
		Context:   ctx,
	}
}

// lookup resolves a dotted attribute path such as principal.level or
// context.device.risk.
func (in *Input) lookup(path string) (any, bool) {
	root, rest, ok := strings.Cut(path, ".")
	if !ok || rest == "" {
		return nil, false
	}
	var cur any
	switch root {
	case "principal":
		cur = in.Principal.attrs
	case "resource":
		cur = in.Resource.attrs
	case "context":
		cur = in.Context
	case "action":
		cur = map[string]any{"type": in.Action.Type, "id": in.Action.ID}
	default:
		return nil, false
	}
	for _, part := range strings.Split(rest, ".") {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// number converts any numeric kind to float64. Values arrive as float64
// from JSON, as int or float from YAML and as int64/uint64 from CBOR.
func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	as, aList := list(a)
	bs, bList := list(b)
	if aList || bList {
		if !aList || !bList || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, okA := a.(string)
	y, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	return strings.Compare(x, y), true
}

func list(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// member reports whether needle is an element of haystack.
func member(haystack, needle any) bool {
	items, ok := list(haystack)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(item, needle) {
			return true
		}
	}
	return false
}
