package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/linkchat/internal/api"
	"github.com/matheus3301/linkchat/internal/profile"
)

// Server serves the Chat service on the profile's unix socket.
type Server struct {
	grpc   *grpc.Server
	ln     net.Listener
	socket string
	logger *zap.Logger
}

func NewServer(p Params, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socket := p.SocketPath
	if socket == "" {
		socket = profile.SocketPath(p.Profile)
	}
	ln, err := listenUnix(socket)
	if err != nil {
		return nil, err
	}

	g := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger)))
	api.RegisterChatServer(g, svc)
	return &Server{grpc: g, ln: ln, socket: socket, logger: logger}, nil
}

// listenUnix binds path with owner-only permissions. A leftover socket is
// removed first; the profile lock is already held, so it cannot be live.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("rpc server listening", zap.String("socket", s.socket))
	return s.grpc.Serve(s.ln)
}

// Stop drains in-flight calls, cutting them off when ctx ends, and
// removes the socket.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("rpc server stopping")
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.grpc.GracefulStop()
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.grpc.Stop()
		<-drained
	}
	_ = os.Remove(s.socket)
}
