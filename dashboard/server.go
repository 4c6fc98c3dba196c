// Package dashboard renders the spike scanner: the HTML cards, the JSON api,
// health and metrics endpoints, and the pipeline behind them.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/terminaldweller/spikescan/registry"
	"github.com/terminaldweller/spikescan/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	pingTimeout  = 5
	cycleTimeout = 20
	apiKeyHeader = "X-Apikey"
)

var (
	errUnknownParam = errors.New("unknown parameters for endpoint")
	errUnauthorized = errors.New("unauthorized")
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(
	template.New("index.html").
		Funcs(template.FuncMap{"upper": strings.ToUpper}).
		ParseFS(templateFS, "templates/index.html"),
)

type Server struct {
	pipeline   *Pipeline
	store      store.Store
	apiKeyHash string
}

// NewServer builds the http surface. apiKeyHash is a bcrypt hash; when empty
// the api is open.
func NewServer(pipeline *Pipeline, st store.Store, apiKeyHash string) *Server {
	return &Server{pipeline: pipeline, store: st, apiKeyHash: apiKeyHash}
}

// OWASP: https://cheatsheetseries.owasp.org/cheatsheets/REST_Security_Cheat_Sheet.html
func addSecureHeaders(writer http.ResponseWriter, csp string) {
	writer.Header().Set("Cache-Control", "no-store")
	writer.Header().Set("Content-Security-Policy", csp)
	writer.Header().Set("Strict-Transport-Security", "max-age=63072000;")
	writer.Header().Set("X-Content-Type-Options", "nosniff")
	writer.Header().Set("X-Frame-Options", "DENY")
	writer.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
}

func (s *Server) Router() *mux.Router {
	route := mux.NewRouter()
	route.Use(metricsMiddleware)

	route.HandleFunc("/", s.IndexHandler).Methods(http.MethodGet)
	route.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	route.Handle("/metrics", MetricsHandler()).Methods(http.MethodGet)

	api := route.PathPrefix("/api/v1").Subrouter()
	api.Use(s.apikeyAuthMiddleware)
	api.HandleFunc("/spikes", s.SpikesHandler).Methods(http.MethodGet)

	return route
}

func parseOptions(request *http.Request) Options {
	var opts Options

	params := request.URL.Query()
	for key, value := range params {
		switch key {
		case "supported":
			opts.SupportedOnly = truthy(value[0])
		case "debug":
			opts.Debug = truthy(value[0])
		default:
			log.Error().Err(errUnknownParam).Str("param", key).Send()
		}
	}

	return opts
}

func truthy(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return value == "on" || value == "yes"
	}

	return parsed
}

func (s *Server) run(request *http.Request) Result {
	ctx, cancel := context.WithTimeout(request.Context(), cycleTimeout*time.Second)
	defer cancel()

	return s.pipeline.Run(ctx, parseOptions(request))
}

type indexData struct {
	Result    Result
	Platforms []registry.Platform
}

func (s *Server) IndexHandler(writer http.ResponseWriter, request *http.Request) {
	addSecureHeaders(writer, "default-src 'self'; style-src 'unsafe-inline'")
	writer.Header().Set("Content-Type", "text/html; charset=utf-8")

	result := s.run(request)

	if err := indexTemplate.Execute(writer, indexData{Result: result, Platforms: registry.Platforms}); err != nil {
		log.Error().Err(err).Msg("failed to render dashboard")
		http.Error(writer, "internal server error", http.StatusInternalServerError)
	}
}

type spikesResponse struct {
	IsSuccessful bool   `json:"isSuccessful"`
	Err          string `json:"err"`
	Result
}

func (s *Server) SpikesHandler(writer http.ResponseWriter, request *http.Request) {
	addSecureHeaders(writer, "default-src https;")
	writer.Header().Set("Content-Type", "application/json")

	result := s.run(request)

	response := spikesResponse{IsSuccessful: !result.NoData, Result: result}
	if result.NoData {
		response.Err = noDataMessage
	}

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Error().Err(err).Send()
		http.Error(writer, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) HealthHandler(writer http.ResponseWriter, request *http.Request) {
	addSecureHeaders(writer, "default-src https;")
	writer.Header().Set("Content-Type", "application/json")

	var storeError string

	ctx, cancel := context.WithTimeout(request.Context(), pingTimeout*time.Second)
	defer cancel()

	isStoreOk := true

	if err := s.store.Ping(ctx); err != nil {
		log.Err(err).Send()

		isStoreOk = false
		storeError = err.Error()
	}

	err := json.NewEncoder(writer).Encode(map[string]interface{}{
		"isScannerOk":  true,
		"scannerError": "",
		"isStoreOk":    isStoreOk,
		"storeError":   storeError,
	})
	if err != nil {
		log.Error().Err(err).Send()
		http.Error(writer, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) apikeyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if s.apiKeyHash == "" {
			next.ServeHTTP(writer, request)

			return
		}

		apikey := request.Header.Get(apiKeyHeader)

		if apikey == "" || bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(apikey)) != nil {
			log.Warn().Err(errUnauthorized).Str("remote", request.RemoteAddr).Msg("apikey auth failed")

			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusUnauthorized)

			_ = json.NewEncoder(writer).Encode(map[string]interface{}{
				"isSuccessful": false,
				"err":          errUnauthorized.Error(),
			})

			return
		}

		next.ServeHTTP(writer, request)
	})
}
