package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/sirupsen/logrus"

	"github.com/rizkyandriawan/monostream/internal/config"
	"github.com/rizkyandriawan/monostream/internal/engine"
	"github.com/rizkyandriawan/monostream/internal/generator"
	"github.com/rizkyandriawan/monostream/internal/logging"
	"github.com/rizkyandriawan/monostream/internal/processor"
	"github.com/rizkyandriawan/monostream/internal/producer"
	"github.com/rizkyandriawan/monostream/internal/store"
)

//go:embed static/index.html
var staticFS embed.FS

const maxBodyBytes = 1 << 20

// HTTPServer serves the dashboard and its JSON API
type HTTPServer struct {
	config     *config.Config
	broker     *engine.Broker
	producer   *producer.Producer
	pipeline   *processor.Pipeline
	generators *generator.Manager
	log        *logrus.Entry
	server     *http.Server
}

// topicNamePattern limits topic names accepted over HTTP, both in bodies and in paths
const topicNamePattern = "^[A-Za-z0-9._-]+$"

func validTopicName(name string) bool {
	return govalidator.StringMatches(name, topicNamePattern) && govalidator.StringLength(name, "1", "128")
}

// createTopicRequest is the body of POST /api/topics
type createTopicRequest struct {
	Name       string `json:"name" valid:"required,matches(^[A-Za-z0-9._-]+$),stringlength(1|128)"`
	Partitions int    `json:"partitions"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(cfg *config.Config, broker *engine.Broker, pipeline *processor.Pipeline, generators *generator.Manager, logger *logrus.Logger) *HTTPServer {
	s := &HTTPServer{
		config:     cfg,
		broker:     broker,
		producer:   producer.New(broker, producer.WithLogger(logger)),
		pipeline:   pipeline,
		generators: generators,
		log:        logging.Component(logger, logging.ComponentHTTP),
	}

	s.server = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/stats", s.authMiddleware(s.handleStats))
	mux.HandleFunc("/api/topics", s.authMiddleware(s.handleTopics))
	mux.HandleFunc("/api/topics/", s.authMiddleware(s.handleTopic))
	mux.HandleFunc("/api/processors", s.authMiddleware(s.handleProcessors))
	mux.HandleFunc("/api/generators/", s.authMiddleware(s.handleGenerators))

	// Routes kept for older dashboard clients
	mux.HandleFunc("/stats", s.authMiddleware(s.handleStats))
	mux.HandleFunc("/start_generator/", s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		s.startGenerator(w, r, strings.TrimPrefix(r.URL.Path, "/start_generator/"))
	}))
	mux.HandleFunc("/stop_generators", s.authMiddleware(s.stopGenerators))

	if m := s.broker.Metrics(); m != nil && s.config.Metrics.Enabled {
		mux.Handle("/metrics", m.Handler())
	}

	// Health check (no auth)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/", s.handleStatic)

	return mux
}

// ListenAndServe starts the HTTP server
func (s *HTTPServer) ListenAndServe() error {
	s.log.WithField("addr", s.server.Addr).Info("http server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Close closes the HTTP server
func (s *HTTPServer) Close() error {
	return s.server.Close()
}

func (s *HTTPServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Security.Enabled {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if token != s.config.Security.Token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("write response")
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.broker.TopicStats())
}

func (s *HTTPServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stats := s.broker.TopicStats()
		result := make([]map[string]any, 0, len(stats))
		for _, name := range engine.SortedTopicNames(stats) {
			result = append(result, map[string]any{
				"name":           name,
				"partitions":     stats[name].Partitions,
				"total_messages": stats[name].TotalMessages,
			})
		}
		s.writeJSON(w, http.StatusOK, result)

	case http.MethodPost:
		var req createTopicRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Partitions == 0 {
			req.Partitions = 1
		}
		if req.Partitions < 0 {
			http.Error(w, "partitions must be at least 1", http.StatusBadRequest)
			return
		}
		if err := s.broker.CreateTopic(req.Name, req.Partitions); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		st := s.broker.TopicStats()[req.Name]
		s.writeJSON(w, http.StatusCreated, map[string]any{
			"name":       req.Name,
			"partitions": st.Partitions,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *HTTPServer) handleTopic(w http.ResponseWriter, r *http.Request) {
	// Parse path: /api/topics/{name} or /api/topics/{name}/messages
	path := strings.TrimPrefix(r.URL.Path, "/api/topics/")
	parts := strings.Split(path, "/")
	topicName := parts[0]

	if len(parts) > 1 && parts[1] == "messages" {
		s.handleMessages(w, r, topicName)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.broker.TopicStats()[topicName]
	if !ok {
		http.Error(w, "Topic not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":           topicName,
		"partitions":     st.Partitions,
		"total_messages": st.TotalMessages,
		"consumers":      st.Consumers,
	})
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, topicName string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !validTopicName(topicName) {
		http.Error(w, "invalid topic name", http.StatusBadRequest)
		return
	}

	var req struct {
		Key   string        `json:"key"`
		Value store.Payload `json:"value"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.producer.Send(topicName, req.Key, req.Value) {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"topic": topicName, "key": req.Key})
}

func (s *HTTPServer) handleProcessors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Processors())
}

func (s *HTTPServer) handleGenerators(w http.ResponseWriter, r *http.Request) {
	// Parse path: /api/generators/{type}/start or /api/generators/stop
	path := strings.TrimPrefix(r.URL.Path, "/api/generators/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] == "stop":
		s.stopGenerators(w, r)
	case len(parts) == 2 && parts[1] == "start":
		s.startGenerator(w, r, parts[0])
	case len(parts) == 1 && parts[0] == "" && r.Method == http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.generators.Runs())
	default:
		http.NotFound(w, r)
	}
}

func (s *HTTPServer) startGenerator(w http.ResponseWriter, r *http.Request, typ string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := s.generators.Start(typ)
	if errors.Is(err, generator.ErrUnknownGenerator) {
		s.writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "Unknown generator type"})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:  "success",
		Message: typ + " generator started",
		ID:      id,
	})
}

func (s *HTTPServer) stopGenerators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := s.generators.StopAll()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:  "success",
		Message: "All generators stopped (" + govalidator.ToString(n) + ")",
	})
}

func (s *HTTPServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	content, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}
