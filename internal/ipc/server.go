package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"reel/internal/admission"
	"reel/internal/api"
	"reel/internal/daemon"
	"reel/internal/logging"
	"reel/internal/logs"
	"reel/internal/queue"
	"reel/internal/services"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path. shutdown is
// invoked when a client asks the daemon process to exit; it may be nil.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger, shutdown func()) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx, shutdown: shutdown}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun reel daemon stop"))
	}
}

type service struct {
	daemon   *daemon.Daemon
	logger   *slog.Logger
	ctx      context.Context
	shutdown func()
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC", logging.String(logging.FieldEventType, "ipc_daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC", logging.String(logging.FieldEventType, "ipc_daemon_stop"))
	return nil
}

func (s *service) Shutdown(_ ShutdownRequest, resp *ShutdownResponse) error {
	if s.shutdown == nil {
		return errors.New("daemon does not accept remote shutdown")
	}
	s.logger.Info("shutdown requested via IPC", logging.String(logging.FieldEventType, "ipc_shutdown"))
	// Reply before the process starts tearing down the socket.
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.shutdown()
	}()
	resp.Accepted = true
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status, err := s.daemon.Status(s.ctx)
	if err != nil {
		return err
	}
	resp.DaemonStatus = status
	return nil
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	if len(req.Paths) == 0 {
		return errors.New("submit requires at least one path")
	}
	for _, path := range req.Paths {
		job, err := s.daemon.Submit(s.ctx, path, req.Priority)
		if err != nil {
			resp.Failures = append(resp.Failures, SubmitFailure{
				Path:     path,
				Error:    err.Error(),
				Rejected: admission.IsRejected(err),
			})
			continue
		}
		resp.Jobs = append(resp.Jobs, api.FromJob(job))
	}
	return nil
}

func (s *service) QueueList(req QueueListRequest, resp *QueueListResponse) error {
	statuses, err := parseStatuses(req.Statuses)
	if err != nil {
		return err
	}
	jobs, err := s.daemon.ListJobs(s.ctx, statuses)
	if err != nil {
		return err
	}
	resp.Jobs = api.FromJobs(jobs)
	return nil
}

func (s *service) QueueShow(req JobRef, resp *QueueShowResponse) error {
	job, err := s.daemon.Job(s.ctx, req.Ref)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		return err
	}
	dto := api.FromJob(job)
	resp.Job = &dto
	return nil
}

func (s *service) Cancel(req JobRef, resp *JobControlResponse) error {
	return s.control(s.daemon.Cancel, req, resp)
}

func (s *service) Pause(req JobRef, resp *JobControlResponse) error {
	return s.control(s.daemon.Pause, req, resp)
}

func (s *service) Resume(req JobRef, resp *JobControlResponse) error {
	return s.control(s.daemon.Resume, req, resp)
}

func (s *service) control(fn func(context.Context, string) (*queue.Job, bool, error), req JobRef, resp *JobControlResponse) error {
	job, changed, err := fn(s.ctx, req.Ref)
	if err != nil {
		return err
	}
	resp.Job = api.FromJob(job)
	resp.Changed = changed
	return nil
}

func (s *service) Remove(req JobRef, resp *QueueRemoveResponse) error {
	removed, err := s.daemon.Remove(s.ctx, req.Ref)
	resp.Removed = removed
	return err
}

func (s *service) Clear(req QueueClearRequest, resp *QueueClearResponse) error {
	statuses, err := parseStatuses(req.Statuses)
	if err != nil {
		return err
	}
	removed, err := s.daemon.Clear(s.ctx, statuses)
	resp.Removed = removed
	return err
}

func (s *service) Reprocess(req ReprocessRequest, resp *JobResponse) error {
	job, err := s.daemon.Reprocess(s.ctx, req.Ref, req.From, req.Priority)
	if err != nil {
		return err
	}
	resp.Job = api.FromJob(job)
	return nil
}

func (s *service) Resubmit(req ResubmitRequest, resp *JobResponse) error {
	job, err := s.daemon.Resubmit(s.ctx, req.Ref, req.Priority)
	if err != nil {
		return err
	}
	resp.Job = api.FromJob(job)
	return nil
}

func (s *service) QueueHealth(_ QueueHealthRequest, resp *QueueHealthResponse) error {
	health, err := s.daemon.QueueHealth(s.ctx)
	if err != nil {
		return err
	}
	resp.HealthSummary = health
	return nil
}

func (s *service) DatabaseHealth(_ DatabaseHealthRequest, resp *DatabaseHealthResponse) error {
	health, err := s.daemon.DatabaseHealth(s.ctx)
	resp.DatabaseHealth = health
	if err != nil && health.Error == "" {
		return err
	}
	return nil
}

func (s *service) CacheStatus(_ CacheStatusRequest, resp *CacheStatusResponse) error {
	resp.CacheStatus = s.daemon.CacheStatus()
	return nil
}

func (s *service) CacheClear(req CacheClearRequest, resp *CacheClearResponse) error {
	evicted, err := s.daemon.CacheClear(req.Kind)
	resp.Evicted = evicted
	if err != nil {
		resp.InUse = err.Error()
	}
	return nil
}

func (s *service) Identities(_ IdentityListRequest, resp *IdentityListResponse) error {
	ids, err := s.daemon.Identities(s.ctx)
	if err != nil {
		return err
	}
	resp.Identities = api.FromIdentities(ids)
	return nil
}

func (s *service) ForgetIdentity(req IdentityRemoveRequest, resp *IdentityRemoveResponse) error {
	if err := s.daemon.ForgetIdentity(s.ctx, req.Fingerprint); err != nil {
		return err
	}
	resp.Removed = true
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	jobID := ""
	if ref := strings.TrimSpace(req.Job); ref != "" {
		job, err := s.daemon.Job(s.ctx, ref)
		if err != nil {
			return err
		}
		jobID = job.ID
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, s.daemon.LogPath(jobID), logs.Options{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
		Filter: req.Filter,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

func parseStatuses(values []string) ([]queue.Status, error) {
	statuses := make([]queue.Status, 0, len(values))
	for _, value := range values {
		parsed, ok := queue.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", value)
		}
		statuses = append(statuses, parsed)
	}
	return statuses, nil
}
