package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title Fieldsync API
// @version 1.0
// @description Response pipeline for field interviews: offline-safe sync, review assignment, and sampled QC adjudication
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// SetupRouter configures the API routes
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.Default()

	// API documentation
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	{
		// Device sync endpoints. Field devices authenticate upstream; every
		// call here is idempotent by design.
		responses := v1.Group("/responses")
		{
			responses.POST("/sync", h.SyncResponse)
			responses.PUT("/:id/media", h.UploadMedia)
			responses.GET("/:id/verify", h.VerifyResponse)
			responses.POST("/:id/review", RequireReviewer(), h.SubmitReview)
		}

		// Reviewer assignment queue.
		queue := v1.Group("/queue", RequireReviewer())
		{
			queue.POST("/claim", h.ClaimNext)
			queue.POST("/skip", h.Skip)
			queue.POST("/release", h.Release)
			queue.GET("/stats", h.QueueStats)
		}

		// QC batch visibility and manual decision trigger.
		batches := v1.Group("/batches", RequireReviewer())
		{
			batches.GET("", h.ListBatches)
			batches.GET("/:id", h.GetBatch)
			batches.POST("/:id/decide", h.DecideBatch)
		}
	}

	return r
}
