package approuters

import (
	"github.com/gin-gonic/gin"

	"Parley/internal/configuration"
)

func ReservationRouters(router *gin.Engine, container *configuration.Container) {
	reservationRoute := router.Group("/api")
	{
		reservationRoute.GET("/reservations", container.ReservationHandler.GetReservations)
		reservationRoute.POST("/reservations", container.ReservationHandler.CreateReservation)
		reservationRoute.GET("/access", container.ReservationHandler.GetAccess)
	}
}
