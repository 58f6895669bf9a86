package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.CORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)
		r.Post("/webhooks/identity", h.IdentityWebhookHandler)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			// Chats and files need the caller's user record
			r.Group(func(r chi.Router) {
				r.Use(h.RequireUser)

				r.Post("/chats", h.CreateChatHandler)
				r.Get("/chats", h.ListChatsHandler)
				r.Get("/chats/{chatID}", h.GetChatDetailsHandler)
				r.Patch("/chats/{chatID}", h.RenameChatHandler)
				r.Delete("/chats/{chatID}", h.DeleteChatHandler)
				r.With(h.RateLimit).Post("/chats/{chatID}/messages", h.PostMessageHandler)

				r.Post("/files/upload", h.UploadFileHandler)
				r.Get("/files/{fileID}", h.GetFileHandler)
				r.Delete("/files/{fileID}", h.DeleteFileHandler)
			})

			r.Post("/ai/classify", h.ClassifyHandler)
			r.Post("/ai/extract", h.ExtractHandler)
			r.Post("/ai/document", h.GenerateDocumentHandler)

			r.Post("/models/query", h.ModelQueryHandler)
			r.Get("/models/status", h.ModelStatusHandler)
			r.Post("/models/train", h.TrainModelHandler)

			r.Post("/workflows/trigger", h.TriggerWorkflowHandler)
			r.Get("/workflows/executions/{executionID}", h.ExecutionStatusHandler)
			r.Post("/workflows/eligibility", h.EligibilityHandler)
			r.Post("/workflows/autocomplete", h.AutocompleteHandler)
			r.Post("/workflows/scheme-updates", h.SchemeUpdatesHandler)
		})
	})

	return r
}
