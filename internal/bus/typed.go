package bus

import (
	"fmt"

	"github.com/dshills/pathbus/internal/bus/path"
)

// TypedPath statically ties a path to its payload type, so a
// subscriber's callback signature matches the values published there.
type TypedPath[T any] struct {
	p path.Path
}

// NewTyped builds a typed path descriptor from segments.
func NewTyped[T any](segments ...string) TypedPath[T] {
	return TypedPath[T]{p: path.New(segments...)}
}

// TypedAt wraps an existing path in a typed descriptor.
func TypedAt[T any](p path.Path) TypedPath[T] {
	return TypedPath[T]{p: p}
}

// Path returns the underlying path.
func (tp TypedPath[T]) Path() path.Path {
	return tp.p
}

// String returns the canonical path string.
func (tp TypedPath[T]) String() string {
	return tp.p.String()
}

// OnChangeTyped is a typed change callback. hasPrev is false on the
// first delivery for a path with no previous value.
type OnChangeTyped[T any] func(next, prev T, hasPrev bool, p path.Path)

// SubscribeTyped subscribes with a statically typed callback. Payloads
// whose dynamic type is not T are not delivered; they are counted as
// callback errors and logged through the bus logger.
func SubscribeTyped[T any](b *Bus, tp TypedPath[T], onChange OnChangeTyped[T]) (Disposer, error) {
	if onChange == nil {
		return nil, ErrNilCallback
	}

	return b.Subscribe(tp.p, func(next, prev any, p path.Path) {
		nextT, ok := next.(T)
		if !ok {
			var want T
			b.callbackErrors.Add(1)
			b.config.logger.Warn("dropping payload with unexpected type",
				"path", p.String(),
				"want", fmt.Sprintf("%T", want),
				"got", fmt.Sprintf("%T", next))
			return
		}

		var prevT T
		hasPrev := false
		if prev != nil {
			if pv, ok := prev.(T); ok {
				prevT = pv
				hasPrev = true
			}
		}
		onChange(nextT, prevT, hasPrev, p)
	})
}

// PublishTyped publishes a statically typed value.
func PublishTyped[T any](b *Bus, tp TypedPath[T], value T) error {
	return b.Publish(tp.p, value)
}

// ValueTyped returns the cached value at a typed path. A cached value
// of the wrong dynamic type yields a *TypeMismatchError.
func ValueTyped[T any](b *Bus, tp TypedPath[T]) (T, bool, error) {
	var zero T
	v, ok := b.Value(tp.p)
	if !ok {
		return zero, false, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false, &TypeMismatchError{
			Path: tp.p,
			Want: fmt.Sprintf("%T", zero),
			Got:  fmt.Sprintf("%T", v),
		}
	}
	return typed, true, nil
}
