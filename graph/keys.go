// ABOUTME: Key selectors for join and aggregate nodes: function keys and compiled field keys.
// ABOUTME: Reflection-based selectors are compiled once per (type, fields) and cached.
package graph

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// KeyFn extracts a grouping key from an item.
type KeyFn[T any, K comparable] func(T) K

// selectorCacheKey identifies one compiled selector.
type selectorCacheKey struct {
	itemType reflect.Type
	keyType  reflect.Type
	fields   string
}

// selectorCache holds compiled field accessors keyed by (item type, key
// type, field list). Compilation happens once at build; the hot path only
// reads field indices.
var selectorCache sync.Map

// compiledSelector is the cached product of key-spec compilation.
type compiledSelector struct {
	indices [][]int // one index path per key field
}

// FieldKey compiles a single-property key selector by field name. The field
// must exist on T and have type K exactly; mismatches panic at build time.
func FieldKey[T any, K comparable](field string) KeyFn[T, K] {
	sel := compileSelector(typeOf[T](), typeOf[K](), []string{field}, false)
	idx := sel.indices[0]
	return func(item T) K {
		v := reflect.ValueOf(item).FieldByIndex(idx)
		return v.Interface().(K)
	}
}

// CompositeKey compiles a composite key selector: K must be a struct whose
// exported fields, in declaration order, receive the named fields of T.
// Arity or type mismatches panic at build time.
func CompositeKey[T any, K comparable](fields ...string) KeyFn[T, K] {
	keyType := typeOf[K]()
	sel := compileSelector(typeOf[T](), keyType, fields, true)
	return func(item T) K {
		iv := reflect.ValueOf(item)
		kv := reflect.New(keyType).Elem()
		for i, idx := range sel.indices {
			kv.Field(i).Set(iv.FieldByIndex(idx))
		}
		return kv.Interface().(K)
	}
}

// compileSelector resolves field index paths on itemType and checks them
// against keyType. For composite selectors, keyType's field arity and types
// must match the named fields exactly.
func compileSelector(itemType, keyType reflect.Type, fields []string, composite bool) *compiledSelector {
	ck := selectorCacheKey{itemType: itemType, keyType: keyType, fields: strings.Join(fields, ",")}
	if cached, ok := selectorCache.Load(ck); ok {
		return cached.(*compiledSelector)
	}

	if itemType.Kind() != reflect.Struct {
		panic(fmt.Sprintf("key selector: item type %v is not a struct", itemType))
	}

	var wantTypes []reflect.Type
	if composite {
		if keyType.Kind() != reflect.Struct {
			panic(fmt.Sprintf("composite key: key type %v is not a struct", keyType))
		}
		if keyType.NumField() != len(fields) {
			panic(fmt.Sprintf("composite key: %v has %d fields, selector names %d",
				keyType, keyType.NumField(), len(fields)))
		}
		for i := 0; i < keyType.NumField(); i++ {
			wantTypes = append(wantTypes, keyType.Field(i).Type)
		}
	} else {
		wantTypes = []reflect.Type{keyType}
	}

	sel := &compiledSelector{indices: make([][]int, len(fields))}
	for i, name := range fields {
		f, ok := itemType.FieldByName(name)
		if !ok {
			panic(fmt.Sprintf("key selector: %v has no field %q", itemType, name))
		}
		if f.Type != wantTypes[i] {
			panic(fmt.Sprintf("key selector: field %v.%s has type %v, key wants %v",
				itemType, name, f.Type, wantTypes[i]))
		}
		sel.indices[i] = f.Index
	}

	actual, _ := selectorCache.LoadOrStore(ck, sel)
	return actual.(*compiledSelector)
}
