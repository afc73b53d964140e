package tryon

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the self-hosted try-on model server.
const (
	GRPCServiceName   = "tryon.v1.TryOnService"
	grpcPredictMethod = "/" + GRPCServiceName + "/Predict"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNoImages                 = errors.New("predict response has no images")
)

// GRPCClientConfig holds connection settings for the gRPC backend.
type GRPCClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCClientConfig returns default connection settings for addr.
func DefaultGRPCClientConfig(addr string) GRPCClientConfig {
	return GRPCClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCClient calls a try-on model served over gRPC. Messages are
// google.protobuf.Struct values so no generated stubs are needed.
//
// Request fields: human_image, garment_image (base64), human_filename,
// garment_filename, garment_description, denoise_steps, seed, is_checked,
// is_checked_crop. Response: images, a list of base64 strings.
type GRPCClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
}

// NewGRPCClient connects to the model server and waits until it is ready.
func NewGRPCClient(cfg GRPCClientConfig, opts ...grpc.DialOption) (*GRPCClient, error) {
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxResultBytes)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create try-on client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("try-on server at %s not ready: %w", cfg.Address, err)
	}

	slog.Info("Connected to try-on server", "address", cfg.Address)
	return &GRPCClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Client.
func (c *GRPCClient) Name() string {
	return "grpc"
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Health asks the standard health service about the try-on service.
func (c *GRPCClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: GRPCServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("try-on server status %s", resp.GetStatus())
	}
	return nil
}

// Predict implements Client.
func (c *GRPCClient) Predict(ctx context.Context, call Call) ([]byte, error) {
	req, err := buildPredictRequest(call)
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, grpcPredictMethod, req, resp, grpc.WaitForReady(true)); err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	return firstImage(resp)
}

func buildPredictRequest(call Call) (*structpb.Struct, error) {
	human, err := os.ReadFile(call.HumanPath)
	if err != nil {
		return nil, fmt.Errorf("read person image: %w", err)
	}
	garment, err := os.ReadFile(call.GarmentPath)
	if err != nil {
		return nil, fmt.Errorf("read garment image: %w", err)
	}

	req, err := structpb.NewStruct(map[string]any{
		"human_image":         base64.StdEncoding.EncodeToString(human),
		"human_filename":      filepath.Base(call.HumanPath),
		"garment_image":       base64.StdEncoding.EncodeToString(garment),
		"garment_filename":    filepath.Base(call.GarmentPath),
		"garment_description": call.Description,
		"is_checked":          call.Params.AutoMask,
		"is_checked_crop":     call.Params.AutoCrop,
		"denoise_steps":       call.Params.DenoiseSteps,
		"seed":                call.Params.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}
	return req, nil
}

func firstImage(resp *structpb.Struct) ([]byte, error) {
	images := resp.GetFields()["images"].GetListValue().GetValues()
	if len(images) == 0 {
		if msg := resp.GetFields()["error"].GetStringValue(); msg != "" {
			return nil, fmt.Errorf("try-on server error: %s", msg)
		}
		return nil, errNoImages
	}
	data, err := base64.StdEncoding.DecodeString(images[0].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode result image: %w", err)
	}
	if len(data) == 0 {
		return nil, errNoImages
	}
	return data, nil
}
