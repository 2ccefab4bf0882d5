package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"pipe-rpc/message"
	"pipe-rpc/middleware"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for exported methods of the form
//
//	func (t *T) Method(args *A, reply *R) error
//	func (t *T) Method(ctx context.Context, args *A, reply *R) error
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of a suitable signature", srv.name)
	}
	return srv, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		// In(0) is the receiver.
		first := 1
		withCtx := false
		switch mt.NumIn() {
		case 3:
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			first, withCtx = 2, true
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := make([]reflect.Value, 0, 4)
	args = append(args, s.rcvr)
	if mType.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mType.method.Func.Call(args)
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

// Register exposes every suitable method of rcvr as a handler named
// "Type.Method". The request body is decoded into the args value and the
// reply value becomes the result.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if svc.name == "" {
		return errors.New("server: receiver type has no name")
	}
	for name, mType := range svc.method {
		s.Handle(svc.name+"."+name, s.methodHandler(svc, mType))
	}
	return nil
}

func (s *Server) methodHandler(svc *service, mType *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) (any, error) {
		argv := reflect.New(mType.ArgType)
		if err := s.opts.codec.Decode(req.Body, argv.Interface()); err != nil {
			return nil, fmt.Errorf("decoding %s arguments: %w", req.Type, err)
		}
		replyv := reflect.New(mType.ReplyType)
		if err := svc.call(ctx, mType, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

// HandleFunc registers a typed handler on s: the body is decoded into In and
// the returned Out becomes the result.
func HandleFunc[In, Out any](s *Server, typ string, fn func(ctx context.Context, in In) (Out, error)) *Server {
	return s.Handle(typ, func(ctx context.Context, req *message.Request) (any, error) {
		var in In
		if err := s.opts.codec.Decode(req.Body, &in); err != nil {
			return nil, fmt.Errorf("decoding %s body: %w", req.Type, err)
		}
		return fn(ctx, in)
	})
}
