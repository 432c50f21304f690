package grpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	x402 "github.com/becomeliminal/x402-router"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	testNetwork = "eip155:324705682"
	testMethod  = "/weather.v1.Weather/GetForecast"
	testPayer   = "0x1111111111111111111111111111111111111111"
	testPayTo   = "0x2222222222222222222222222222222222222222"
	testAsset   = "0x5555555555555555555555555555555555555555"
)

type fakeScheme struct{}

func (fakeScheme) Scheme() string { return "exact" }

func (fakeScheme) BuildRequirements(ctx context.Context, opt x402.PaymentOption) (*x402.PaymentRequirements, error) {
	return &x402.PaymentRequirements{
		Scheme:            opt.Scheme,
		Network:           opt.Network,
		Amount:            opt.Price,
		Asset:             opt.Asset,
		PayTo:             opt.PayTo,
		MaxTimeoutSeconds: 300,
	}, nil
}

func (fakeScheme) CreatePayload(ctx context.Context, req *x402.PaymentRequirements, signer x402.Signer) (*x402.PaymentPayload, error) {
	accepted := req.Clone()
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Accepted:    &accepted,
		Payload: x402.ExactPayload{
			Signature: "0xsig",
			Authorization: &x402.Authorization{
				From:  signer.Address(),
				To:    req.PayTo,
				Value: req.Amount,
			},
		},
	}, nil
}

func (fakeScheme) Verify(ctx context.Context, req *x402.PaymentRequirements, payload *x402.PaymentPayload, state x402.ChainState) (*x402.VerifyResult, error) {
	return &x402.VerifyResult{IsValid: true, Payer: payload.Payload.Authorization.From}, nil
}

type fakeSigner struct{}

func (fakeSigner) Address() string                     { return testPayer }
func (fakeSigner) SignDigest(d []byte) ([]byte, error) { return make([]byte, 65), nil }

type fakeFacilitator struct {
	verifyFunc func() (*x402.VerifyResult, error)
	settleFunc func() (*x402.SettleResult, error)
	settles    int
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	if f.verifyFunc != nil {
		return f.verifyFunc()
	}
	return &x402.VerifyResult{IsValid: true, Payer: testPayer}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements, params *x402.SettlementParams) (*x402.SettleResult, error) {
	f.settles++
	if f.settleFunc != nil {
		return f.settleFunc()
	}
	return &x402.SettleResult{Success: true, Transaction: "0xabc", Network: testNetwork, Payer: testPayer}, nil
}

func (f *fakeFacilitator) CalculateFee(ctx context.Context, req *x402.PaymentRequirements) (string, error) {
	return "0", nil
}

type recordingReporter struct {
	failures []x402.SettlementFailure
}

func (r *recordingReporter) SettlementFailed(ctx context.Context, failure x402.SettlementFailure) {
	r.failures = append(r.failures, failure)
}

type fakeTransportStream struct {
	trailer metadata.MD
}

func (s *fakeTransportStream) Method() string                  { return testMethod }
func (s *fakeTransportStream) SetHeader(md metadata.MD) error  { return nil }
func (s *fakeTransportStream) SendHeader(md metadata.MD) error { return nil }
func (s *fakeTransportStream) SetTrailer(md metadata.MD) error {
	s.trailer = metadata.Join(s.trailer, md)
	return nil
}

func testServer(t *testing.T, facilitator *fakeFacilitator, reporter x402.SettlementReporter) *x402.ResourceServer {
	t.Helper()
	registry := x402.NewRegistry().MustRegister(testNetwork, fakeScheme{})
	server, err := x402.NewResourceServer(x402.Config{
		Registry:    registry,
		Facilitator: facilitator,
		Routes: map[string]x402.RouteConfig{
			"/weather.v1.Weather/*": {
				Accepts: []x402.PaymentOption{{
					Scheme:  "exact",
					Network: testNetwork,
					PayTo:   testPayTo,
					Price:   "100000",
					Asset:   testAsset,
				}},
				Description: "London forecast",
			},
		},
		Reporter: reporter,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewResourceServer failed: %v", err)
	}
	return server
}

func paidContext(t *testing.T, stream *fakeTransportStream) context.Context {
	t.Helper()
	payload, err := fakeScheme{}.CreatePayload(context.Background(), &x402.PaymentRequirements{
		Scheme:  "exact",
		Network: testNetwork,
		Amount:  "100000",
		Asset:   testAsset,
		PayTo:   testPayTo,
	}, fakeSigner{})
	if err != nil {
		t.Fatalf("CreatePayload failed: %v", err)
	}
	encoded, err := x402.EncodePaymentPayload(payload)
	if err != nil {
		t.Fatalf("EncodePaymentPayload failed: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, encoded))
	return grpc.NewContextWithServerTransportStream(ctx, stream)
}

func TestUnaryInterceptorRequiresPayment(t *testing.T) {
	stream := &fakeTransportStream{}
	ctx := grpc.NewContextWithServerTransportStream(context.Background(), stream)
	interceptor := UnaryInterceptor(testServer(t, &fakeFacilitator{}, nil))

	called := false
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return "ok", nil
	})

	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if called {
		t.Error("handler must not run without payment")
	}

	challenge, ok := ChallengeFromError(err)
	if !ok {
		t.Fatal("expected challenge in status message")
	}
	if len(challenge.Accepts) != 1 || challenge.Accepts[0].Amount != "100000" || challenge.Accepts[0].Network != testNetwork {
		t.Errorf("unexpected accepts %+v", challenge.Accepts)
	}
	if challenge.Resource != testMethod {
		t.Errorf("expected resource %s, got %s", testMethod, challenge.Resource)
	}
	if len(stream.trailer.Get(MetadataKeyPaymentRequired)) == 0 {
		t.Error("expected payment-required trailer")
	}
}

func TestUnaryInterceptorPaidCall(t *testing.T) {
	facilitator := &fakeFacilitator{}
	stream := &fakeTransportStream{}
	interceptor := UnaryInterceptor(testServer(t, facilitator, nil))

	resp, err := interceptor(paidContext(t, stream), nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, func(ctx context.Context, req interface{}) (interface{}, error) {
		payment, err := RequirePayment(ctx)
		if err != nil {
			return nil, err
		}
		if payment.PayerAddress != testPayer || payment.Amount != "100000" {
			t.Errorf("unexpected payment context %+v", payment)
		}
		return "forecast", nil
	})
	if err != nil {
		t.Fatalf("interceptor failed: %v", err)
	}
	if resp != "forecast" {
		t.Errorf("unexpected response %v", resp)
	}
	if facilitator.settles != 1 {
		t.Errorf("expected one settle, got %d", facilitator.settles)
	}

	receipt, ok := PaymentResponseFromTrailer(stream.trailer)
	if !ok {
		t.Fatal("expected payment-response trailer")
	}
	if receipt.Transaction != "0xabc" || receipt.Network != testNetwork {
		t.Errorf("unexpected receipt %+v", receipt)
	}
}

func TestUnaryInterceptorRejections(t *testing.T) {
	tests := []struct {
		name       string
		verifyFunc func() (*x402.VerifyResult, error)
		ctx        func(t *testing.T, stream *fakeTransportStream) context.Context
		wantCode   codes.Code
		wantReason string
	}{
		{
			name: "facilitator rejects",
			verifyFunc: func() (*x402.VerifyResult, error) {
				return &x402.VerifyResult{IsValid: false, InvalidReason: x402.ReasonInsufficientFunds}, nil
			},
			ctx:        paidContext,
			wantCode:   codes.ResourceExhausted,
			wantReason: string(x402.ReasonInsufficientFunds),
		},
		{
			name: "facilitator unavailable",
			verifyFunc: func() (*x402.VerifyResult, error) {
				return nil, errors.New("connection refused")
			},
			ctx:      paidContext,
			wantCode: codes.Unavailable,
		},
		{
			name: "malformed metadata",
			ctx: func(t *testing.T, stream *fakeTransportStream) context.Context {
				ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, "not-base64!"))
				return grpc.NewContextWithServerTransportStream(ctx, stream)
			},
			wantCode:   codes.ResourceExhausted,
			wantReason: string(x402.ReasonMalformedPayload),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facilitator := &fakeFacilitator{verifyFunc: tt.verifyFunc}
			interceptor := UnaryInterceptor(testServer(t, facilitator, nil))

			_, err := interceptor(tt.ctx(t, &fakeTransportStream{}), nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, func(ctx context.Context, req interface{}) (interface{}, error) {
				t.Error("handler must not run")
				return nil, nil
			})

			if status.Code(err) != tt.wantCode {
				t.Fatalf("expected %v, got %v", tt.wantCode, err)
			}
			if tt.wantReason != "" {
				challenge, ok := ChallengeFromError(err)
				if !ok {
					t.Fatal("expected challenge")
				}
				if challenge.Error != tt.wantReason {
					t.Errorf("expected reason %s, got %s", tt.wantReason, challenge.Error)
				}
			}
			if facilitator.settles != 0 {
				t.Error("rejected calls must not settle")
			}
		})
	}
}

func TestUnaryInterceptorHandlerErrorSkipsSettle(t *testing.T) {
	facilitator := &fakeFacilitator{}
	interceptor := UnaryInterceptor(testServer(t, facilitator, nil))

	_, err := interceptor(paidContext(t, &fakeTransportStream{}), nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "no forecast")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected handler error, got %v", err)
	}
	if facilitator.settles != 0 {
		t.Errorf("expected no settle, got %d", facilitator.settles)
	}
}

func TestUnaryInterceptorSettleFailureKeepsResponse(t *testing.T) {
	facilitator := &fakeFacilitator{
		settleFunc: func() (*x402.SettleResult, error) {
			return nil, context.DeadlineExceeded
		},
	}
	reporter := &recordingReporter{}
	stream := &fakeTransportStream{}
	interceptor := UnaryInterceptor(testServer(t, facilitator, reporter))

	resp, err := interceptor(paidContext(t, stream), nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "forecast", nil
	})
	if err != nil {
		t.Fatalf("expected response despite settle failure, got %v", err)
	}
	if resp != "forecast" {
		t.Errorf("unexpected response %v", resp)
	}
	if _, ok := PaymentResponseFromTrailer(stream.trailer); ok {
		t.Error("expected no receipt")
	}
	if len(reporter.failures) != 1 {
		t.Fatalf("expected one reported failure, got %d", len(reporter.failures))
	}
	if !reporter.failures[0].Abandoned {
		t.Error("expected timeout to be reported as abandoned")
	}
}

func TestUnaryInterceptorUnprotectedMethod(t *testing.T) {
	interceptor := UnaryInterceptor(testServer(t, &fakeFacilitator{}, nil))

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, func(ctx context.Context, req interface{}) (interface{}, error) {
		if _, ok := GetPaymentFromContext(ctx); ok {
			t.Error("unprotected call must not carry payment")
		}
		return "serving", nil
	})
	if err != nil || resp != "serving" {
		t.Errorf("expected passthrough, got %v %v", resp, err)
	}
}

func TestUnaryServerInterceptorPanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	UnaryServerInterceptor(x402.Config{})
}

type fakeServerStream struct {
	ctx     context.Context
	trailer metadata.MD
}

func (s *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeServerStream) SetTrailer(md metadata.MD)    { s.trailer = metadata.Join(s.trailer, md) }
func (s *fakeServerStream) Context() context.Context     { return s.ctx }
func (s *fakeServerStream) SendMsg(m interface{}) error  { return nil }
func (s *fakeServerStream) RecvMsg(m interface{}) error  { return io.EOF }

func TestStreamInterceptor(t *testing.T) {
	t.Run("requires payment", func(t *testing.T) {
		ss := &fakeServerStream{ctx: context.Background()}
		interceptor := StreamInterceptor(testServer(t, &fakeFacilitator{}, nil))

		err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: testMethod}, func(srv interface{}, stream grpc.ServerStream) error {
			t.Error("handler must not run")
			return nil
		})
		if _, ok := ChallengeFromError(err); !ok {
			t.Fatalf("expected challenge, got %v", err)
		}
		if len(ss.trailer.Get(MetadataKeyPaymentRequired)) == 0 {
			t.Error("expected payment-required trailer")
		}
	})

	t.Run("paid stream settles after handler", func(t *testing.T) {
		facilitator := &fakeFacilitator{}
		payload, _ := fakeScheme{}.CreatePayload(context.Background(), &x402.PaymentRequirements{
			Scheme: "exact", Network: testNetwork, Amount: "100000", Asset: testAsset, PayTo: testPayTo,
		}, fakeSigner{})
		encoded, _ := x402.EncodePaymentPayload(payload)
		ss := &fakeServerStream{
			ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, encoded)),
		}
		interceptor := StreamInterceptor(testServer(t, facilitator, nil))

		err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: testMethod}, func(srv interface{}, stream grpc.ServerStream) error {
			if facilitator.settles != 0 {
				t.Error("settle must happen after the handler")
			}
			if _, ok := GetPaymentFromContext(stream.Context()); !ok {
				t.Error("expected payment in stream context")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("interceptor failed: %v", err)
		}
		if facilitator.settles != 1 {
			t.Errorf("expected one settle, got %d", facilitator.settles)
		}
		if _, ok := PaymentResponseFromTrailer(ss.trailer); !ok {
			t.Error("expected payment-response trailer")
		}
	})
}

func TestUnaryClientInterceptorPaysOnce(t *testing.T) {
	server := testServer(t, &fakeFacilitator{}, nil)
	challenge, err := server.BuildChallenge(context.Background(), testMethod, &x402.RouteConfig{
		Accepts: []x402.PaymentOption{{Scheme: "exact", Network: testNetwork, PayTo: testPayTo, Price: "100000", Asset: testAsset}},
	}, "")
	if err != nil {
		t.Fatalf("BuildChallenge failed: %v", err)
	}

	registry := x402.NewRegistry().MustRegister("eip155:*", fakeScheme{})
	interceptor := UnaryClientInterceptor(registry, fakeSigner{})

	calls := 0
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		md, _ := metadata.FromOutgoingContext(ctx)
		header := md.Get(MetadataKeyPaymentSignature)
		if calls == 1 {
			if len(header) != 0 {
				t.Error("first call must not carry payment")
			}
			return PaymentRequiredError(challenge)
		}
		if len(header) != 1 {
			t.Fatalf("expected payment metadata on retry, got %v", header)
		}
		payload, err := x402.DecodePaymentPayload(header[0])
		if err != nil {
			t.Fatalf("DecodePaymentPayload failed: %v", err)
		}
		if payload.Payload.Authorization.From != testPayer || payload.Resource != testMethod {
			t.Errorf("unexpected payload %+v", payload)
		}
		return PaymentRequiredError(challenge)
	}

	err = interceptor(context.Background(), testMethod, nil, nil, nil, invoker)
	if calls != 2 {
		t.Errorf("expected exactly two calls, got %d", calls)
	}
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected second rejection to surface, got %v", err)
	}
}

func TestUnaryClientInterceptorPassesThroughOtherErrors(t *testing.T) {
	interceptor := UnaryClientInterceptor(x402.NewRegistry(), fakeSigner{})
	calls := 0
	err := interceptor(context.Background(), testMethod, nil, nil, nil, func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		return status.Error(codes.NotFound, "missing")
	})
	if status.Code(err) != codes.NotFound || calls != 1 {
		t.Errorf("expected single NotFound call, got %v after %d calls", err, calls)
	}
}
