// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/handlers"
	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/middleware"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/internal/services"
	"github.com/javajoker/pharma-custody-backend/internal/utils"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
)

// Services is the wired service layer shared by the HTTP router and the
// background jobs.
type Services struct {
	Ledger     *services.BlockchainService
	Registry   *services.TokenRegistry
	Entities   *services.EntityService
	Auth       *services.AuthService
	Drugs      *services.DrugService
	Custody    *services.CustodyService
	Payments   *services.PaymentService
	Admin      *services.AdminService
	Statistics *services.StatisticsService
	Reconciler *services.ReconciliationService
}

func NewServices(db *gorm.DB, cfg *config.Config, client blockchain.Client, m *metrics.Metrics) (*Services, error) {
	storageService, err := services.NewStorageService(cfg.AWS)
	if err != nil {
		return nil, err
	}
	notificationService := services.NewNotificationService(cfg.Email)

	ledger := services.NewBlockchainService(client, cfg.Ledger, m)
	registry := services.NewTokenRegistry(db, m)
	entities := services.NewEntityService(db, ledger)

	custody := services.NewCustodyService(db, services.CustodyDeps{
		Registry:            registry,
		Ledger:              ledger,
		Resolver:            services.NewProvenanceResolver(registry),
		Entities:            entities,
		Notifier:            notificationService,
		Archiver:            storageService,
		Metrics:             m,
		VerifyConfirmations: cfg.Ledger.VerifyConfirmations,
	})

	return &Services{
		Ledger:     ledger,
		Registry:   registry,
		Entities:   entities,
		Auth:       services.NewAuthService(db, cfg, entities),
		Drugs:      services.NewDrugService(db),
		Custody:    custody,
		Payments:   services.NewPaymentService(db, cfg),
		Admin:      services.NewAdminService(db),
		Statistics: services.NewStatisticsService(db, registry),
		Reconciler: services.NewReconciliationService(db, custody, ledger, cfg.Reconciler, m),
	}, nil
}

func Initialize(db *gorm.DB, cfg *config.Config, svc *Services, gatherer prometheus.Gatherer) *gin.Engine {
	// Initialize handlers
	authHandler := handlers.NewAuthHandler(svc.Auth)
	drugHandler := handlers.NewDrugHandler(svc.Drugs, svc.Entities)
	custodyHandler := handlers.NewCustodyHandler(svc.Custody, svc.Entities)
	paymentHandler := handlers.NewPaymentHandler(svc.Payments, svc.Entities)
	statisticsHandler := handlers.NewStatisticsHandler(svc.Statistics, svc.Entities)
	verificationHandler := handlers.NewVerificationHandler(svc.Custody)
	adminHandler := handlers.NewAdminHandler(svc.Admin, svc.Custody, svc.Reconciler, svc.Entities)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.I18nMiddleware())
	if cfg.Environment != "test" {
		r.Use(middleware.GeneralRateLimit())
	}
	r.Use(middleware.AuditLogMiddleware(db))

	// Ledger writes are throttled separately outside tests.
	var ledgerLimit, authLimit gin.HandlerFunc = passThrough, passThrough
	if cfg.Environment != "test" {
		ledgerLimit = middleware.LedgerRateLimit()
		authLimit = middleware.AuthRateLimit()
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"version":     "1.0.0",
			"ledger_mode": cfg.Ledger.Mode,
		})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Authentication routes
		auth := v1.Group("/auth")
		auth.Use(authLimit)
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.GET("/me", middleware.AuthRequired(), authHandler.GetProfile)
		}

		// Public authenticity check
		v1.GET("/verify/:tokenId", verificationHandler.VerifyToken)

		// Manufacturer routes
		manufacturer := v1.Group("/manufacturer")
		manufacturer.Use(middleware.AuthRequired(), middleware.RequireRole(models.RoleManufacturer))
		{
			manufacturer.POST("/drugs", drugHandler.CreateDrug)
			manufacturer.GET("/drugs", drugHandler.ListDrugs)
			manufacturer.GET("/drugs/atc/:code", drugHandler.GetDrugByATCCode)
			manufacturer.GET("/drugs/:id", drugHandler.GetDrug)
			manufacturer.PUT("/drugs/:id", drugHandler.UpdateDrug)
			manufacturer.DELETE("/drugs/:id", drugHandler.DeleteDrug)

			manufacturer.POST("/productions", ledgerLimit, custodyHandler.Package)
			manufacturer.GET("/productions", custodyHandler.ListProductions)

			manufacturer.POST("/transfers", ledgerLimit, custodyHandler.TransferToDistributor)
			manufacturer.POST("/transfers/initiate", custodyHandler.InitiateDistributorTransfer)
			manufacturer.POST("/transfers/:id/confirm", ledgerLimit, custodyHandler.ConfirmDistributorTransfer)
			manufacturer.POST("/transfers/:id/cancel", custodyHandler.CancelTransfer)
			manufacturer.GET("/transfers", custodyHandler.ListManufacturerInvoices)
			manufacturer.GET("/transfers/:id", custodyHandler.GetManufacturerInvoice)

			manufacturer.GET("/distributors", custodyHandler.ListDistributors)
			manufacturer.GET("/statistics", statisticsHandler.GetStatistics)
		}

		// Distributor routes
		distributor := v1.Group("/distributor")
		distributor.Use(middleware.AuthRequired(), middleware.RequireRole(models.RoleDistributor))
		{
			distributor.GET("/invoices", custodyHandler.ListManufacturerInvoices)
			distributor.GET("/invoices/:id", custodyHandler.GetManufacturerInvoice)
			distributor.POST("/invoices/:id/confirm-receipt", custodyHandler.ConfirmReceipt)

			distributor.POST("/shipments", custodyHandler.InitiatePharmacyTransfer)
			distributor.POST("/shipments/direct", ledgerLimit, custodyHandler.TransferToPharmacy)
			distributor.POST("/shipments/:id/confirm", ledgerLimit, custodyHandler.ConfirmPharmacyTransfer)
			distributor.GET("/shipments", custodyHandler.ListCommercialInvoices)
			distributor.GET("/shipments/:id", custodyHandler.GetCommercialInvoice)

			distributor.GET("/pharmacies", custodyHandler.ListPharmacies)
			distributor.GET("/statistics", statisticsHandler.GetStatistics)
		}

		// Pharmacy routes
		pharmacy := v1.Group("/pharmacy")
		pharmacy.Use(middleware.AuthRequired(), middleware.RequireRole(models.RolePharmacy))
		{
			pharmacy.GET("/shipments", custodyHandler.ListCommercialInvoices)
			pharmacy.GET("/shipments/:id", custodyHandler.GetCommercialInvoice)
			pharmacy.GET("/statistics", statisticsHandler.GetStatistics)
		}

		// Payment routes
		payments := v1.Group("/payments")
		payments.Use(middleware.AuthRequired(), middleware.RequireRole(models.RoleDistributor, models.RolePharmacy))
		{
			payments.POST("/invoices/:id/intent", paymentHandler.CreatePaymentIntent)
			payments.POST("/invoices/:id/confirm", paymentHandler.ConfirmPayment)
		}

		// Token tracking, any authenticated role
		v1.GET("/tokens/:tokenId/track", middleware.AuthRequired(), custodyHandler.TrackToken)

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.RequireRole(models.RoleSystemAdmin))
		{
			admin.POST("/drugs/:id/recall", adminHandler.RecallDrug)
			admin.POST("/reconcile", adminHandler.Reconcile)
			admin.GET("/notifications", adminHandler.ListNotifications)
			admin.PUT("/notifications/:id/read", adminHandler.MarkNotificationRead)
			admin.PUT("/entities/:id/status", adminHandler.UpdateEntityStatus)
			admin.GET("/audit-logs", adminHandler.ListAuditLogs)
			admin.GET("/statistics", statisticsHandler.GetStatistics)
		}
	}

	return r
}

func passThrough(c *gin.Context) { c.Next() }
