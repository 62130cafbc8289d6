package recipe

import (
	"reflect"
	"sort"
)

// additionals holds arbitrary values attached to a recipe, one per type.
type additionals map[reflect.Type]any

func (a additionals) clone() additionals {
	out := make(additionals, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// SetAdditional attaches v to the recipe being built. A later value of the
// same type replaces the earlier one.
func SetAdditional[T any](b *Builder, v T) {
	if b.additionals == nil {
		b.additionals = make(additionals)
	}
	b.additionals[reflect.TypeFor[T]()] = v
}

// AdditionalOf returns the value of type T attached to r.
func AdditionalOf[T any](r *Recipe) (T, bool) {
	v, ok := r.additionals[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// AdditionalTypes lists the type names of every attached value, sorted.
func (r *Recipe) AdditionalTypes() []string {
	names := make([]string, 0, len(r.additionals))
	for t := range r.additionals {
		names = append(names, t.String())
	}
	sort.Strings(names)
	return names
}
