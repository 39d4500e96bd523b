package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/service"
)

type Server struct {
	http.Server
	Port   int
	flyers *service.FlyerService
}

func NewServer(httpPort int, flyers *service.FlyerService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		flyers: flyers,
		Port:   httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/flyer", s.HandleSubmitFlyer).Methods(http.MethodPost)
	router.HandleFunc("/flyer/{id}", s.HandleGetFlyer).Methods(http.MethodGet)
	router.HandleFunc("/flyer/{id}/items", s.HandleListItems).Methods(http.MethodGet)
	router.HandleFunc("/item/{id}", s.HandleGetItem).Methods(http.MethodGet)
	router.HandleFunc("/item/{id}/approve", s.HandleApproveItem).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.Method + " " + r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusFor maps service errors to http status codes.
func statusFor(err error) int {
	var notFound persistence.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
