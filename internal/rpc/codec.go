package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a JSON-tagged Go value into a Struct. The value must
// marshal to a JSON object.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("to struct: %w", err)
	}
	return out, nil
}

// Decode fills a JSON-tagged Go value from a Struct.
func Decode(in *structpb.Struct, out any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("from struct: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// Unary adapts a typed function into a Handler.
func Unary[Req, Resp any](fn func(context.Context, Req) (Resp, error)) Handler {
	return func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		var req Req
		if err := Decode(in, &req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := Encode(resp)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode response: %v", err)
		}
		return out, nil
	}
}

// Invoke calls a Struct-typed method over conn with typed values.
func Invoke[Req, Resp any](ctx context.Context, conn grpc.ClientConnInterface, method string, req Req) (Resp, error) {
	var resp Resp
	in, err := Encode(req)
	if err != nil {
		return resp, err
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return resp, err
	}
	if err := Decode(out, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}
