package routes

import (
	"net/http"
	"time"

	"github.com/ChienAnTu/Bookhive/controllers"
	"github.com/ChienAnTu/Bookhive/middlewares"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/ChienAnTu/Bookhive/shipping"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Deps struct {
	DB         *gorm.DB
	Books      *services.BookService
	Cart       *services.CartService
	Checkouts  *services.CheckoutService
	Orders     *services.OrderService
	Payments   *services.PaymentService
	Complaints *services.ComplaintService
	Sweep      controllers.SweepRunner
	Quoter     shipping.Quoter

	RefreshTTL     time.Duration
	SecureCookies  bool
	RateLimitRPS   float64
	RateLimitBurst int
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger())

	api := r.Group("/api", middlewares.RateLimit(d.RateLimitRPS, d.RateLimitBurst))

	// Public API Routes
	{
		auth := api.Group("/auth")
		auth.POST("/register", controllers.Register(d.DB))
		auth.POST("/login", controllers.Login(d.DB, d.RefreshTTL, d.SecureCookies))
		auth.POST("/refresh", controllers.RefreshToken(d.DB))
		auth.POST("/logout", controllers.Logout(d.DB, d.SecureCookies))

		api.GET("/books", controllers.ListBooks(d.Books))
		api.GET("/books/:id", controllers.GetBook(d.Books))
		api.GET("/shipping/domestic/postage/calculate", controllers.QuotePostage(d.Quoter))

		// signed by the processor, no bearer token
		api.POST("/payment_gateway/payment/webhook", controllers.Webhook(d.Payments))
	}

	// Protected Routes (Require Login)
	user := api.Group("", middlewares.AuthMiddleware(d.DB))
	{
		user.PUT("/auth/password", controllers.ChangePassword(d.DB))

		user.GET("/users/me", controllers.GetMe(d.DB))
		user.PUT("/users/me", controllers.UpdateMe(d.DB))
		user.PUT("/users/me/payout-account", controllers.SetPayoutAccount(d.DB))

		user.GET("/books/mine", controllers.MyBooks(d.Books))
		user.POST("/books", controllers.CreateBook(d.Books))
		user.PUT("/books/:id", controllers.UpdateBook(d.Books))
		user.DELETE("/books/:id", controllers.DeleteBook(d.Books))

		user.GET("/cart", controllers.GetCart(d.Cart))
		user.POST("/cart", controllers.AddToCart(d.Cart))
		user.DELETE("/cart/:id", controllers.RemoveFromCart(d.Cart))

		user.POST("/checkout", controllers.CreateCheckout(d.Checkouts))
		user.GET("/checkout", controllers.ListCheckouts(d.Checkouts))
		user.GET("/checkout/:id", controllers.GetCheckout(d.Checkouts))
		user.DELETE("/checkout/:id", controllers.DeleteCheckout(d.Checkouts))

		user.POST("/orders", controllers.CreateOrders(d.Orders))
		user.GET("/orders", controllers.ListOrders(d.Orders))
		user.GET("/orders/tracking", controllers.TrackingNumbers(d.Orders))
		user.GET("/orders/:id", controllers.GetOrder(d.Orders))
		user.PUT("/orders/:id/cancel", controllers.CancelOrder(d.Orders))
		user.PUT("/orders/:id/return-shipment", controllers.ReturnShipment(d.Orders))

		pg := user.Group("/payment_gateway")
		pg.GET("/payments", controllers.GetUserPayments(d.Payments))
		pg.POST("/payment/initiate", controllers.InitiatePayment(d.Payments))
		pg.GET("/payment/status/:id", controllers.PaymentStatus(d.Payments))
		pg.POST("/payment/status/sync/:id", controllers.SyncPaymentStatus(d.Payments))
		pg.POST("/payment/capture/:id", controllers.CapturePayment(d.Payments))
		pg.POST("/payment/cancel/:id", controllers.CancelPayment(d.Payments))
		pg.POST("/payment/confirm", controllers.ConfirmPayment(d.Payments))
		pg.POST("/payment/dispute/create/:id", controllers.CreateDispute(d.Payments))
		pg.POST("/order/:id/mark-shipped", controllers.MarkShipped(d.Payments))
		pg.POST("/order/:id/complete", controllers.CompleteOrder(d.Payments))
		pg.POST("/order/:id/return-complete", controllers.ReturnComplete(d.Payments))

		pgAdmin := pg.Group("", middlewares.AdminOnly())
		pgAdmin.POST("/payment/refund/:id", controllers.RefundPayment(d.Payments))
		pgAdmin.POST("/payment/dispute/handle/:id", controllers.HandleDispute(d.Payments))
		pgAdmin.GET("/payment/logs/:limit", controllers.PaymentLogs(d.Payments))

		user.POST("/complaints", controllers.CreateComplaint(d.Complaints))
		user.GET("/complaints", controllers.ListComplaints(d.Complaints))
		user.GET("/complaints/:id", controllers.GetComplaint(d.Complaints))
		user.POST("/complaints/:id/messages", controllers.AddComplaintMessage(d.Complaints))

		user.POST("/messages", controllers.SendMessage(d.DB))
		user.GET("/messages/unread-count", controllers.UnreadCount(d.DB))
		user.GET("/messages/conversation/:userId", controllers.GetConversation(d.DB))
		user.PUT("/messages/conversation/:userId/read", controllers.MarkConversationRead(d.DB))
	}

	// Admin Routes (Require Admin Access)
	admin := api.Group("/admin", middlewares.AuthMiddleware(d.DB), middlewares.AdminOnly())
	{
		analytics := &controllers.AnalyticsController{DB: d.DB}

		admin.GET("/dashboard", controllers.AdminDashboard(d.DB))
		admin.GET("/analytics/revenue", analytics.GetDailyRevenue)
		admin.GET("/analytics/books", analytics.GetOrdersPerBook)
		admin.GET("/analytics/users", analytics.GetUserActivity)
		admin.GET("/users", controllers.GetAllUsers(d.DB))
		admin.PUT("/users/:id/block", controllers.BlockUser(d.DB))
		admin.PUT("/complaints/:id", controllers.AdminUpdateComplaint(d.Complaints))
		admin.POST("/complaints/:id/deduct", controllers.AdminDeductDeposit(d.Complaints))
		admin.POST("/sweep", controllers.RunSweep(d.Sweep))
	}

	// Fallback for Unknown Routes
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found"})
	})

	return r
}
