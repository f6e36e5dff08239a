package api

import (
	"github.com/gin-gonic/gin"

	"github.com/formsync/formsync/internal/handlers"
)

func registerFormRoutes(api *gin.RouterGroup, handler *handlers.FormsHandler) {
	if api == nil || handler == nil {
		return
	}

	api.GET("/stats", handler.Stats)

	forms := api.Group("/forms/:formID")
	{
		forms.GET("/presence", handler.Presence)
		forms.GET("/activity", handler.Activity)
		forms.POST("/flush", handler.Flush)
	}
}
