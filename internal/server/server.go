// Package server 提供 quill 的 HTTP 接口与 gRPC 健康检查服务
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yukin371/quill/internal/chat"
	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/execution"
	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/providers"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/internal/storage"
	"github.com/yukin371/quill/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// ChatService runs conversation turns. *chat.Service satisfies it.
type ChatService interface {
	SendMessage(ctx context.Context, req chat.Request) (*chat.Reply, error)
	StreamMessageAsync(ctx context.Context, req chat.Request) error
}

// Transcripts reads and removes stored chats. *storage.SQLiteStore satisfies it.
type Transcripts interface {
	LoadMessages(ctx context.Context, chatID string) ([]core.Message, error)
	ListChats(ctx context.Context) ([]storage.ChatSummary, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Server 服务器：HTTP 路由 + 可选的 gRPC 健康服务
type Server struct {
	// 依赖注入
	chat        ChatService
	transcripts Transcripts
	executor    *execution.Executor
	gate        *preview.Gate
	hub         *push.Hub
	health      *providers.HealthMonitor
	bus         *eventbus.Bus
	log         *logger.Logger

	// 服务器配置
	listenAddr string
	grpcAddr   string

	mu         sync.RWMutex
	httpServer *http.Server
	grpcServer *grpc.Server
	bridge     *EventBusAdapter
	cancelBase context.CancelFunc
	addr       string
	grpcBound  string

	// 生命周期管理
	started  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// ServerOption 服务器配置选项
type ServerOption func(*Server)

// WithChat sets the chat service.
func WithChat(c ChatService) ServerOption {
	return func(s *Server) { s.chat = c }
}

// WithTranscripts enables the chat history routes.
func WithTranscripts(t Transcripts) ServerOption {
	return func(s *Server) { s.transcripts = t }
}

// WithExecutor enables the execution and circuit-breaker routes.
func WithExecutor(e *execution.Executor) ServerOption {
	return func(s *Server) { s.executor = e }
}

// WithGate enables the preview routes.
func WithGate(g *preview.Gate) ServerOption {
	return func(s *Server) { s.gate = g }
}

// WithHub sets the push hub behind GET /api/llm/events.
func WithHub(h *push.Hub) ServerOption {
	return func(s *Server) { s.hub = h }
}

// WithHealth sets the provider health monitor.
func WithHealth(h *providers.HealthMonitor) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithEventBus forwards bus events to the hub as tool-event messages while
// the server runs.
func WithEventBus(b *eventbus.Bus) ServerOption {
	return func(s *Server) { s.bus = b }
}

// WithGRPCAddr serves the gRPC health service on addr.
func WithGRPCAddr(addr string) ServerOption {
	return func(s *Server) { s.grpcAddr = addr }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer 创建新的服务器实例
func NewServer(listenAddr string, opts ...ServerOption) *Server {
	s := &Server{listenAddr: listenAddr}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	var grpcLis net.Listener
	if s.grpcAddr != "" && s.health != nil {
		grpcLis, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
		}
	}

	shutdown := make(chan struct{})
	// cancelled on Stop so long-lived event streams let Shutdown finish
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	s.shutdown, s.httpServer, s.cancelBase = shutdown, httpServer, cancelBase
	s.addr = lis.Addr().String()

	if s.bus != nil && s.hub != nil {
		s.bridge = NewEventBusAdapter(s.bus, s.hub)
		s.bridge.Attach()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error: %v", err)
		}
	}()

	if grpcLis != nil {
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health.GRPCHealth())
		s.grpcServer = grpcServer
		s.grpcBound = grpcLis.Addr().String()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := grpcServer.Serve(grpcLis); err != nil {
				select {
				case <-shutdown:
				default:
					s.log.Error("grpc server error: %v", err)
				}
			}
		}()
	}

	s.started = true
	s.log.Info("listening on http://%s", s.addr)
	if s.grpcBound != "" {
		s.log.Info("grpc health on %s", s.grpcBound)
	}
	return nil
}

// Stop 优雅关闭服务器，最多等待 10 秒
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("server not started")
	}
	s.started = false
	close(s.shutdown)
	httpServer, grpcServer, bridge := s.httpServer, s.grpcServer, s.bridge
	s.grpcServer, s.bridge = nil, nil
	s.cancelBase()
	s.mu.Unlock()

	if bridge != nil {
		bridge.Detach()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for server to shutdown"))
	}
	return errors.Join(errs...)
}

// Addr returns the bound HTTP address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return s.addr
	}
	return s.listenAddr
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is off.
func (s *Server) GRPCAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcBound
}

// IsRunning 检查服务器是否正在运行
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// WaitForShutdown 阻塞直到服务器关闭
func (s *Server) WaitForShutdown() {
	s.wg.Wait()
}

// AutoDetectPort 自动检测可用端口
func AutoDetectPort() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := lis.Addr().(*net.TCPAddr)
	lis.Close()
	return fmt.Sprintf("127.0.0.1:%d", addr.Port), nil
}
