package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/clay-studio/studio-chat/internal/model"
)

// CORS returns a configured CORS middleware. Browsers may read the
// conversation id header of stream responses.
func CORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Correlation-ID"},
		ExposedHeaders:   []string{model.ConversationIDHeader, "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
