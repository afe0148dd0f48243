package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

type echoRequest struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

type echoResponse struct {
	Greeting string   `json:"greeting"`
	Count    int      `json:"count"`
	Tags     []string `json:"tags"`
}

func testService() Service {
	return Service{
		Package: "gohome.test.v1",
		Name:    "EchoService",
		Methods: []Method{
			{Name: "Echo", Handler: Unary(func(_ context.Context, req echoRequest) (echoResponse, error) {
				return echoResponse{Greeting: "hello " + req.Name, Count: req.Count + 1, Tags: req.Tags}, nil
			})},
			{Name: "Fail", Handler: Unary(func(_ context.Context, _ echoRequest) (echoResponse, error) {
				return echoResponse{}, status.Error(codes.FailedPrecondition, "not configured")
			})},
		},
	}
}

func dialTestServer(t *testing.T, svc Service) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	require.NoError(t, Register(server, svc))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRegisterPublishesDescriptor(t *testing.T) {
	svc := testService()
	require.NoError(t, registerDescriptor(svc))
	// registering twice is a no-op
	require.NoError(t, registerDescriptor(svc))

	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(svc.FullName()))
	require.NoError(t, err)

	sd, ok := desc.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	assert.Equal(t, 2, sd.Methods().Len())
	assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), sd.Methods().ByName("Echo").Input().FullName())
}

func TestInvokeRoundTrip(t *testing.T) {
	svc := testService()
	conn := dialTestServer(t, svc)

	resp, err := Invoke[echoRequest, echoResponse](context.Background(), conn, svc.MethodPath("Echo"),
		echoRequest{Name: "zappi", Count: 2, Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "hello zappi", resp.Greeting)
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, []string{"a", "b"}, resp.Tags)
}

func TestInvokePropagatesStatus(t *testing.T) {
	svc := testService()
	conn := dialTestServer(t, svc)

	_, err := Invoke[echoRequest, echoResponse](context.Background(), conn, svc.MethodPath("Fail"), echoRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestEncodeRejectsNonObjects(t *testing.T) {
	_, err := Encode([]string{"not", "an", "object"})
	assert.Error(t, err)
}
