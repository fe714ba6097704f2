// Package grpc hosts the admin gRPC endpoint: standard health checking
// driven by database credential availability, and channelz introspection
// behind an interceptor that routes bearer tokens by issuer.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/issuer"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	channelzsvc "google.golang.org/grpc/channelz/service"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultHealthInterval = time.Second

// AvailabilityProbe reports whether the service can currently reach its
// database. Implemented by *credentials.Store.
type AvailabilityProbe interface {
	Available() bool
}

// LegacyValidator checks access tokens minted by the legacy authority.
// Implemented by *services.SessionService.
type LegacyValidator interface {
	ValidateAccessToken(ctx context.Context, accessToken string) (string, error)
}

// ExternalValidator checks access tokens minted by the external IdP. When
// none is configured external tokens are rejected.
type ExternalValidator interface {
	ValidateExternalToken(ctx context.Context, accessToken string) (string, error)
}

type GRPCServer struct {
	address        string
	logger         logging.Logger
	classifier     *issuer.Classifier
	legacy         LegacyValidator
	external       ExternalValidator
	probe          AvailabilityProbe
	health         *health.Server
	healthInterval time.Duration
	serving        bool
}

type Option func(*GRPCServer)

func WithExternalValidator(v ExternalValidator) Option {
	return func(s *GRPCServer) { s.external = v }
}

func WithHealthInterval(d time.Duration) Option {
	return func(s *GRPCServer) {
		if d > 0 {
			s.healthInterval = d
		}
	}
}

func NewGRPCServer(address string, l logging.Logger, classifier *issuer.Classifier,
	legacy LegacyValidator, probe AvailabilityProbe, opts ...Option) *GRPCServer {
	if l == nil {
		l = logging.NewDiscardLogger()
	}
	s := &GRPCServer{
		address:        address,
		logger:         l.With("module", "grpc_server"),
		classifier:     classifier,
		legacy:         legacy,
		probe:          probe,
		health:         health.NewServer(),
		healthInterval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// newServer registers health (open to probes) and channelz (token
// required).
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(s.issuerInterceptor),
	)
	healthpb.RegisterHealthServer(srv, s.health)
	channelzsvc.RegisterChannelzServiceToServer(srv)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	s.updateHealth(ctx)
	go s.watchHealth(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

func (s *GRPCServer) watchHealth(ctx context.Context) {
	t := time.NewTicker(s.healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.updateHealth(ctx)
		}
	}
}

// updateHealth is only called from Run and the watchHealth goroutine, never
// concurrently.
func (s *GRPCServer) updateHealth(ctx context.Context) {
	serving := s.probe != nil && s.probe.Available()
	if serving == s.serving {
		return
	}
	s.serving = serving

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.logger.Info(ctx, "health status changed", "status", status.String())
}
