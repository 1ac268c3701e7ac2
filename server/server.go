package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/queue"
)

// GPUCounter reports how many GPUs inference may use
type GPUCounter interface {
	Count(ctx context.Context) int
}

// Options configure a Server
type Options struct {
	Addr      string
	Scheduler *queue.Scheduler
	Progress  *progress.Store
	Audit     *auditlog.Logger
	GPUs      GPUCounter
	// OutputRoot is the directory job output directories are created in
	OutputRoot string
	// Pipelines resolves a pipeline config ID
	Pipelines func(id string) (*models.PipelineConfig, bool)
	// DefaultPipeline is used when a job names none
	DefaultPipeline string
}

// Server handles HTTP requests for job management
type Server struct {
	opts      Options
	store     queue.Store
	wsManager *models.WebSocketManager
	upgrader  websocket.Upgrader
	validate  *validator.Validate
	now       func() time.Time
	closeOnce sync.Once
}

// NewServer creates a new server instance
func NewServer(opts Options) *Server {
	s := &Server{
		opts:      opts,
		store:     opts.Scheduler.Store(),
		wsManager: models.NewWebSocketManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate: validator.New(),
		now:      time.Now,
	}
	s.wsManager.Start()
	return s
}

// Close disconnects every websocket client
func (s *Server) Close() {
	s.closeOnce.Do(s.wsManager.Stop)
}

// NotifyJobUpdate broadcasts a job change to websocket clients
func (s *Server) NotifyJobUpdate(job *models.Job) {
	s.wsManager.BroadcastJobUpdate(job)
}

// NotifyProgress broadcasts the overall progress record of a job
func (s *Server) NotifyProgress(jobID string) {
	s.wsManager.BroadcastProgress(jobID, s.opts.Progress.Get(context.Background(), jobID))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	})
}

// Router returns the HTTP handler of the API
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Get("/progress", s.handleProgress)
		r.Get("/outputs", s.handleOutputs)
		r.Get("/outputs/{step}/*", s.handleDownloadOutput)
		r.Get("/logs/{name}", s.handleDownloadLog)
		r.Post("/cancel", s.handleCancel)
		r.Post("/retry", s.handleRetry)
	})
	r.Get("/gpus", s.handleGPUs)
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Start serves the API until ctx is done
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
