package proxy

import (
	"context"
	"fmt"
	"reflect"
)

// ServiceInvoker dispatches an inbound call to a local service
// implementation. The production service-type-to-invocation mechanism is
// an external collaborator (spec out of scope); ServiceInvoker is its
// opaque contract, and Registry below is only a reference implementation
// sufficient to exercise the end-to-end scenarios in tests.
type ServiceInvoker interface {
	Invoke(ctx context.Context, serviceName, methodName string, params []any) (any, error)
}

// Registry is a minimal reflection-backed ServiceInvoker: services are
// registered by name, and a method call is dispatched to the identically
// named exported method, passing ctx followed by params.
type Registry struct {
	services map[string]any
}

// NewRegistry returns an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]any)}
}

// Register binds serviceName to impl. impl's exported methods become
// callable RPC methods.
func (r *Registry) Register(serviceName string, impl any) {
	r.services[serviceName] = impl
}

// Invoke implements ServiceInvoker by locating serviceName's registered
// implementation and calling methodName via reflection. A panicking
// handler is recovered and reported as an error rather than taking down
// the runtime, the same guarantee the teacher's dispatch loop gives a
// misbehaving server method.
func (r *Registry) Invoke(ctx context.Context, serviceName, methodName string, params []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("proxy: %s.%s panicked: %v", serviceName, methodName, rec)
		}
	}()
	impl, ok := r.services[serviceName]
	if !ok {
		return nil, fmt.Errorf("proxy: no service registered for %q", serviceName)
	}
	v := reflect.ValueOf(impl)
	m := v.MethodByName(methodName)
	if !m.IsValid() {
		return nil, fmt.Errorf("proxy: service %q has no method %q", serviceName, methodName)
	}

	in := make([]reflect.Value, 0, len(params)+1)
	mt := m.Type()
	argOffset := 0
	if mt.NumIn() > 0 && mt.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
		in = append(in, reflect.ValueOf(ctx))
		argOffset = 1
	}
	for i, p := range params {
		want := mt.In(i + argOffset)
		in = append(in, convertParam(p, want))
	}

	out := m.Call(in)
	return splitResults(out)
}

// convertParam adapts a decoded wire value (as produced by the msgpack
// codec, e.g. int8 or int64 for an integer, depending on its size) to the method's declared
// parameter type, so handlers can declare natural Go parameter types.
func convertParam(p any, want reflect.Type) reflect.Value {
	if p == nil {
		return reflect.Zero(want)
	}
	v := reflect.ValueOf(p)
	if v.Type().AssignableTo(want) {
		return v
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want)
	}
	return v
}

// splitResults turns a method's (T, error) or (T) or (error) return shape
// into the (any, error) ServiceInvoker contract.
func splitResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if err, ok := out[0].Interface().(error); ok {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		var err error
		if e, ok := last.Interface().(error); ok {
			err = e
		}
		if len(out) == 2 {
			return out[0].Interface(), err
		}
		return out[:len(out)-1], err
	}
}
