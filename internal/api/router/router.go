package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/jkalala/bloodlink/internal/api/handlers/inbound"
	"github.com/jkalala/bloodlink/internal/api/handlers/request"
)

func New(requests *request.Handler, replies *inbound.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api")

	r := api.Group("/requests")
	r.POST("/", requests.Create)
	r.GET("/", requests.List)
	r.GET("/:id", requests.Get)
	r.GET("/:id/status", requests.GetStatus)
	r.POST("/:id/dispatch", requests.Redispatch)
	r.POST("/:id/activate", requests.Activate)
	r.POST("/:id/deactivate", requests.Deactivate)
	r.POST("/:id/cancel", requests.Cancel)
	r.POST("/:id/fulfill", requests.Fulfill)
	r.POST("/:id/schedule", requests.ScheduleDonor)
	r.POST("/:id/complete", requests.CompleteDonor)

	api.GET("/donors/:id/requests", requests.ListForDonor)
	api.POST("/hospitals/:id/verification-notice", requests.NotifyVerification)
	api.POST("/inbound/sms", replies.Receive)

	return e
}
