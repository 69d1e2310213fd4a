package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/courier/internal/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC control API for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(paths Paths, svc *api.Service, logger *zap.Logger) (*Server, error) {
	// A socket left by a crashed daemon; the profile lock guarantees it is not live.
	if _, err := os.Stat(paths.Socket); err == nil {
		_ = os.Remove(paths.Socket)
	}

	listener, err := net.Listen("unix", paths.Socket)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(paths.Socket, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.RegisterCourierServer(srv, svc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: paths.Socket,
		logger:     logger,
	}, nil
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	s.logger.Info("control api listening", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls and removes the socket file. Watch streams are
// cut by the deadline in ctx.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control api stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}
