package approuters

import (
	"github.com/gin-gonic/gin"

	"Parley/internal/configuration"
)

func MessageRouters(router *gin.Engine, container *configuration.Container) {
	messageRoute := router.Group("/api/messages")
	{
		messageRoute.GET("", container.MessageHandler.GetHistory)
		messageRoute.GET("/inbox", container.MessageHandler.GetInbox)
		messageRoute.POST("", container.MessageHandler.SendMessage)
		messageRoute.POST("/read", container.MessageHandler.MarkConversationRead)
		messageRoute.PATCH("/:id", container.MessageHandler.UpdateMessage)
	}
}
