// Package rpc registers gRPC services whose request and response messages
// are google.protobuf.Struct. Descriptors are built at runtime and added to
// the global registry so server reflection and grpcurl can see them.
package rpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const structType = ".google.protobuf.Struct"

// Handler serves one unary method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Method binds a method name to its handler.
type Method struct {
	Name    string
	Handler Handler
}

// Service describes a Struct-typed gRPC service.
type Service struct {
	Package string
	Name    string
	Methods []Method
}

// FullName returns the fully-qualified service name.
func (s Service) FullName() string {
	return s.Package + "." + s.Name
}

// FileName is the synthetic proto file path the service is registered under.
func (s Service) FileName() string {
	return strings.ReplaceAll(s.Package, ".", "/") + "/" + strings.ToLower(s.Name) + ".proto"
}

// MethodPath returns the "/pkg.Service/Method" path used on the wire.
func (s Service) MethodPath(method string) string {
	return "/" + s.FullName() + "/" + method
}

// Register publishes the descriptor and registers the service on server.
func Register(server *grpc.Server, svc Service) error {
	if err := registerDescriptor(svc); err != nil {
		return err
	}
	server.RegisterService(svc.serviceDesc(), nil)
	return nil
}

func registerDescriptor(svc Service) error {
	if svc.Package == "" || svc.Name == "" {
		return fmt.Errorf("service package and name are required")
	}
	if _, err := protoregistry.GlobalFiles.FindFileByPath(svc.FileName()); err == nil {
		return nil
	}

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(svc.Methods))
	for _, m := range svc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.Name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}

	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(svc.FileName()),
		Package:    proto.String(svc.Package),
		Dependency: []string{structpb.File_google_protobuf_struct_proto.Path()},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String(svc.Name),
			Method: methods,
		}},
	}

	fd, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("build descriptor %s: %w", svc.FullName(), err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		return fmt.Errorf("register descriptor %s: %w", svc.FullName(), err)
	}
	return nil
}

func (s Service) serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: s.FullName(),
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    s.FileName(),
	}
	for _, m := range s.Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.Name,
			Handler:    methodHandler(s.MethodPath(m.Name), m.Handler),
		})
	}
	return desc
}

func methodHandler(fullMethod string, h Handler) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(*structpb.Struct))
		})
	}
}
