package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"songflow/internal/domain"
	"songflow/internal/infra/audiogen"
	"songflow/internal/ports"
	"songflow/internal/usecase"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Services are the collaborators the handlers call into.
type Services struct {
	Sequences usecase.SequenceOps
	Tasks     ports.TaskStore
	Jobs      ports.JobStore
	Deliverer usecase.Deliverer
	Pipeline  *usecase.Pipeline
	Copy      *usecase.Copywriter
	Gateway   ports.Gateway
	Health    func(ctx context.Context) error
	Now       func() time.Time
}

type Server struct {
	router *chi.Mux
	svc    Services
}

func NewServer(svc Services) *Server {
	if svc.Now == nil {
		svc.Now = time.Now
	}
	s := &Server{router: chi.NewRouter(), svc: svc}
	r := s.router

	r.Get("/health", s.health)

	r.Post("/sequences", s.scheduleSequence)
	r.Post("/sequences/cancel", s.cancelSequences)
	r.Get("/leads/{id}/tasks", s.leadTasks)
	r.Post("/messages", s.sendMessage)

	r.Post("/jobs", s.createJob)
	r.Get("/jobs/{id}", s.getJob)
	r.Post("/jobs/{id}/retry", s.retryJob)
	r.Post("/callbacks/generation", s.generationCallback)

	r.Get("/listen/{token}", s.play)
	r.Post("/listen/{token}/progress", s.progress)

	r.Post("/copy/empathy", s.empathy)
	r.Get("/gateway/status", s.gatewayStatus)

	return s
}

// Handler is the router wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/health" }),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

type scheduleReq struct {
	LeadID     string     `json:"lead_id" validate:"required"`
	SequenceID string     `json:"sequence_id" validate:"required"`
	StartAt    *time.Time `json:"start_at"`
}

func (s *Server) scheduleSequence(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	start := s.svc.Now()
	if req.StartAt != nil {
		start = *req.StartAt
	}
	n, err := s.svc.Sequences.ScheduleSequence(r.Context(), req.LeadID, req.SequenceID, start)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"scheduled": n})
}

type cancelReq struct {
	LeadID      string   `json:"lead_id" validate:"required"`
	SequenceIDs []string `json:"sequence_ids" validate:"required,min=1,dive,required"`
}

func (s *Server) cancelSequences(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.svc.Sequences.CancelSequences(r.Context(), req.LeadID, req.SequenceIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) leadTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.Tasks.ListByLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.SequenceTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type messageReq struct {
	LeadID  string `json:"lead_id" validate:"required"`
	Kind    string `json:"kind"`
	Content string `json:"content" validate:"required"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := domain.Payload{Kind: domain.ParseKind(req.Kind), Content: req.Content}
	if err := s.svc.Deliverer.Deliver(r.Context(), req.LeadID, p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type jobReq struct {
	LeadID    string `json:"lead_id" validate:"required"`
	LeadPhone string `json:"lead_phone"`
	Purpose   string `json:"purpose" validate:"required"`
	Genre     string `json:"genre"`
	Artist    string `json:"artist"`
	VoiceType string `json:"voice_type"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.svc.Jobs.Create(r.Context(), domain.ProductionJob{
		LeadID:    req.LeadID,
		LeadPhone: req.LeadPhone,
		Purpose:   req.Purpose,
		Genre:     req.Genre,
		Artist:    req.Artist,
		VoiceType: req.VoiceType,
		Status:    domain.StageAwaitingLyrics,
		CreatedAt: s.svc.Now(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("job", id).Str("lead", req.LeadID).Msg("production job created")
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(domain.StageAwaitingLyrics)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	stage, err := s.svc.Pipeline.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(stage)})
}

// generationCallback acknowledges every well-formed notice. A failure the
// provider reports is recorded on the job and still answered with 200.
func (s *Server) generationCallback(w http.ResponseWriter, r *http.Request) {
	cb, err := audiogen.ParseCallback(r.Body)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	if !cb.Final {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	err = s.svc.Pipeline.HandleGenerationCallback(r.Context(), usecase.GenerationCallback{
		TaskID:    cb.TaskID,
		Succeeded: cb.Succeeded,
		AudioURL:  cb.AudioURL,
		Error:     cb.Error,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StageAudioReady)})
	case errors.Is(err, domain.ErrExternalCall):
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StageError), "error": err.Error()})
	default:
		writeError(w, r, err)
	}
}

func (s *Server) play(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Pipeline.Play(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type progressReq struct {
	Fraction *float64 `json:"fraction" validate:"required,gte=0,lte=1"`
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	var req progressReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	fired, err := s.svc.Pipeline.ReportProgress(r.Context(), chi.URLParam(r, "token"), *req.Fraction)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"half_heard": fired})
}

type empathyReq struct {
	Name  string `json:"name"`
	Story string `json:"story" validate:"required"`
}

func (s *Server) empathy(w http.ResponseWriter, r *http.Request) {
	var req empathyReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": s.svc.Copy.Empathy(r.Context(), req.Name, req.Story)})
}

func (s *Server) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Gateway.Status(r.Context())
	if err != nil {
		writeError(w, r, domain.External("gateway status", err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health != nil {
		if err := s.svc.Health(r.Context()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, errorBody("unavailable", err.Error()))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run method of the Server struct runs the HTTP server on the specified port
// until SIGINT or SIGTERM, then drains in-flight requests.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
