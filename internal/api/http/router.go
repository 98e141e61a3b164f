package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(callController *CallController) *gin.Engine {
	router := gin.Default()
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{
		"http://localhost:3000",
		"http://localhost:5173",
	}
	config.AllowCredentials = true
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	call := api.Group("/call")
	call.POST("/start", callController.StartCall)
	call.POST("/answer", callController.AnswerCall)
	call.POST("/end", callController.EndCall)
	call.POST("/mute", callController.ToggleMute)
	call.POST("/video", callController.ToggleVideo)
	call.POST("/video/request", callController.RequestVideo)
	call.POST("/video/accept", callController.AcceptVideo)
	call.POST("/video/reject", callController.RejectVideo)
	call.POST("/camera/switch", callController.SwitchCamera)
	call.GET("/state", callController.GetState)

	return router
}
