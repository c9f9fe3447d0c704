package core

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// StatusState is the in-memory snapshot the status server reads; the
// worker loop updates it as it claims and finishes attempts. All fields
// are safe for concurrent access.
type StatusState struct {
	WorkerName  string
	HeartbeatID int64
	startedAt   time.Time
	registered  atomic.Bool
	attemptID   atomic.Int64 // 0 means idle
	lifecycle   *Lifecycle
}

// NewStatusState returns a fresh snapshot, marked unregistered and idle.
func NewStatusState(workerName string, lifecycle *Lifecycle) *StatusState {
	return &StatusState{
		WorkerName: workerName,
		startedAt:  time.Now(),
		lifecycle:  lifecycle,
	}
}

// SetRegistered records the heartbeat row id once RegisterWorker succeeds.
func (s *StatusState) SetRegistered(heartbeatID int64) {
	s.HeartbeatID = heartbeatID
	s.registered.Store(true)
}

// SetCurrentAttempt records which attempt (if any) is presently being
// judged; pass 0 to mark the worker idle.
func (s *StatusState) SetCurrentAttempt(attemptID int64) {
	s.attemptID.Store(attemptID)
}

// StatusServer exposes StatusState over HTTP. It never touches the attempt
// store or the judging pipeline directly — strictly a read-only view for
// operators.
type StatusServer struct {
	state  *StatusState
	server *http.Server
}

// NewStatusServer builds a gin router with the /healthz and /status routes
// and binds it to addr, without starting to listen yet.
func NewStatusServer(addr string, state *StatusState) *StatusServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if !state.registered.Load() {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusOK)
	})

	router.GET("/status", func(c *gin.Context) {
		var currentAttempt any
		if id := state.attemptID.Load(); id != 0 {
			currentAttempt = id
		}

		// HeartbeatID is written once by SetRegistered before registered is
		// set, so it is read only after observing that flag.
		var heartbeatID int64
		if state.registered.Load() {
			heartbeatID = state.HeartbeatID
		}

		hostname, _ := os.Hostname()
		c.JSON(http.StatusOK, gin.H{
			"worker_name":      state.WorkerName,
			"hostname":         hostname,
			"pid":              os.Getpid(),
			"heartbeat_id":     heartbeatID,
			"current_attempt":  currentAttempt,
			"uptime_seconds":   time.Since(state.startedAt).Seconds(),
			"restart_pending":  state.lifecycle.restarting.Load(),
			"shutdown_pending": state.lifecycle.Terminating(),
		})
	})

	return &StatusServer{
		state: state,
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
	}
}

// Serve blocks until ctx is cancelled, then shuts the HTTP server down
// gracefully. Intended to run on its own goroutine; a listener failure is
// logged by the caller via the returned error, but it is never fatal to
// judging.
func (s *StatusServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
