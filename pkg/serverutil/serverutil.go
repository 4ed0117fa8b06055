package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/andrej220/sshgate/pkg/models"
	"github.com/go-playground/validator/v10"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultServerConfig provides default server configuration values. The
// write timeout leaves room for a full dispatch including one fallback.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    90 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer serves handler until ctx is cancelled or the process receives
// SIGINT/SIGTERM, then shuts down gracefully.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	if logger == nil {
		logger = lg.Discard
	}
	if config.Port == "" {
		config.Port = DefaultServerConfig().Port
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:         net.JoinHostPort("", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("port", config.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

type requestKey struct{}

// RequestFrom returns the request decoded by ValidationHandler.
func RequestFrom[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(requestKey{}).(T)
	return v, ok
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidationHandler is a middleware that decodes and validates incoming
// JSON requests before they reach next.
type ValidationHandler[T any] struct {
	next http.Handler
}

// NewValidationHandler creates a new validation handler for the given request type.
func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

// ServeHTTP decodes and validates the JSON request, passing it to the next handler via context.
func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var request T
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			WriteError(rw, http.StatusBadRequest, "request body is empty")
			return
		}
		WriteError(rw, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := ValidateRequest(request); err != nil {
		WriteError(rw, http.StatusBadRequest, err.Error())
		return
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// ValidateRequest runs the struct tags of req and folds the failures into
// one readable error.
func ValidateRequest[T any](req T) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		invalid = append(invalid, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	parts = append(parts, invalid...)
	return errors.New(strings.Join(parts, "; "))
}

// WithCORS allows any origin and answers preflight requests directly.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		h := rw.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

// WithLogger attaches logger to each request context.
func WithLogger(logger lg.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(rw, r.WithContext(lg.Attach(r.Context(), logger)))
	})
}

func WriteJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func WriteError(rw http.ResponseWriter, status int, msg string) {
	WriteJSON(rw, status, models.ErrorResponse{Success: false, Error: msg})
}
