package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendance/internal/attendance"
	"attendance/internal/auth"
	"attendance/internal/config"
	"attendance/internal/httpmiddleware"
	"attendance/internal/qr"
	"attendance/internal/queue"
	"attendance/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// backend is the storage surface the server needs; both the Postgres
// and the in-memory store satisfy it.
type backend interface {
	qr.Store
	attendance.Repository
}

func openBackend(cfg config.App) (backend, *store.DB, error) {
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store")
		return store.NewMemory(), nil, nil
	}
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(db.Client)
	if err := pg.Migrate(context.Background()); err != nil {
		return nil, nil, err
	}
	return pg, db, nil
}

func runHTTP(cfg config.App) error {
	bk, db, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:scans")
	}

	svc := attendance.NewService(bk)
	issuer := qr.NewIssuer(bk, cfg.TokenTTL)
	validator := qr.NewValidator(bk)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil || cfg.StoreBackend == "memory"
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/register", func(c *gin.Context) {
		var req struct {
			Name       string `json:"name" binding:"required"`
			Email      string `json:"email" binding:"required"`
			Password   string `json:"password" binding:"required"`
			Department string `json:"department"`
			Year       int    `json:"year"`
			Phone      string `json:"phone"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stu, err := svc.RegisterStudent(c.Request.Context(), req.Name, req.Email, req.Password, req.Department, req.Year, req.Phone)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, stu)
	})

	r.POST("/v1/auth/register_admin", func(c *gin.Context) {
		var req struct {
			Username   string `json:"username" binding:"required"`
			Name       string `json:"name"`
			Password   string `json:"password" binding:"required"`
			Department string `json:"department"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		adm, err := svc.CreateAdmin(c.Request.Context(), req.Username, req.Name, req.Password, req.Department)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, adm)
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Role     string `json:"role" binding:"required"`
			ID       string `json:"id" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var subject, name string
		switch req.Role {
		case auth.RoleStudent:
			stu, err := svc.AuthenticateStudent(c.Request.Context(), req.ID, req.Password)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			subject, name = stu.StudentID, stu.Name
		case auth.RoleAdmin:
			adm, err := svc.AuthenticateAdmin(c.Request.Context(), req.ID, req.Password)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			subject, name = adm.Username, adm.Name
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be student or admin"})
			return
		}

		tokens, err := auth.Issue(subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = bk.SaveRefreshToken(c.Request.Context(), subject, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"name":          name,
		})
	})

	// Student surface: fresh QR codes on a polling cadence, plus the
	// student's own history and the list of scannable sessions.
	studentGroup := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	studentGroup.GET("/qr", func(c *gin.Context) {
		claims := mustClaims(c)
		tok, err := issuer.Issue(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"qr_data":        tok.Payload(),
			"expires_at":     tok.ExpiresAt.Format(time.RFC3339),
			"time_remaining": time.Until(tok.ExpiresAt).Seconds(),
		})
	})

	studentGroup.GET("/qr.png", func(c *gin.Context) {
		claims := mustClaims(c)
		tok, err := issuer.Issue(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		png, err := qr.EncodePNG(tok.Payload(), cfg.QRSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr encode failed"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", png)
	})

	studentGroup.GET("/history", func(c *gin.Context) {
		claims := mustClaims(c)
		records, err := svc.History(c.Request.Context(), claims.Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	studentGroup.GET("/sessions", func(c *gin.Context) {
		sessions, err := svc.Sessions(c.Request.Context(), true)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	// Operator surface: session management, scanning, records, export.
	adminGroup := r.Group("/v1/admin", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin))

	adminGroup.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Name       string    `json:"name" binding:"required"`
			CourseCode string    `json:"course_code" binding:"required"`
			Type       string    `json:"type"`
			Location   string    `json:"location"`
			StartTime  time.Time `json:"start_time" binding:"required"`
			EndTime    time.Time `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := mustClaims(c)
		sess, err := svc.CreateSession(c.Request.Context(), attendance.Session{
			Name:       req.Name,
			CourseCode: req.CourseCode,
			Type:       req.Type,
			Location:   req.Location,
			CreatedBy:  claims.Subject,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	adminGroup.GET("/sessions", func(c *gin.Context) {
		activeOnly := c.Query("all") == ""
		sessions, err := svc.Sessions(c.Request.Context(), activeOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	adminGroup.POST("/sessions/:id/active", func(c *gin.Context) {
		var req struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SetSessionActive(c.Request.Context(), c.Param("id"), *req.Active); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	adminGroup.POST("/sessions/:id/scan", func(c *gin.Context) {
		var req struct {
			QRData     string `json:"qr_data" binding:"required"`
			DeviceInfo string `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sessionID := c.Param("id")
		meta := qr.Metadata{IPAddress: c.ClientIP(), DeviceInfo: req.DeviceInfo}
		res, err := validator.Validate(c.Request.Context(), req.QRData, sessionID, meta)
		if err != nil {
			log.Printf("scan validation failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
			return
		}

		publishScanAudit(c.Request.Context(), q, sessionID, meta.IPAddress, res)

		resp := gin.H{"success": res.Outcome == qr.OutcomeAccepted, "message": scanMessage(res)}
		if res.Outcome == qr.OutcomeAccepted {
			resp["student"] = gin.H{"id": res.StudentID, "name": res.StudentName}
		}
		c.JSON(http.StatusOK, resp)
	})

	adminGroup.GET("/sessions/:id/records", func(c *gin.Context) {
		records, err := svc.SessionRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
	})

	adminGroup.GET("/sessions/:id/export.csv", func(c *gin.Context) {
		sess, err := bk.SessionByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		records, err := svc.SessionRecords(c.Request.Context(), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+attendance.ExportFilename(*sess)+`"`)
		c.Header("Content-Type", "text/csv")
		if err := attendance.WriteCSV(c.Writer, records); err != nil {
			log.Printf("csv export failed: %v", err)
		}
	})

	adminGroup.GET("/students", func(c *gin.Context) {
		students, err := svc.Students(c.Request.Context(), c.Query("search"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

// scanMessage mirrors the operator-facing feedback strings per outcome.
func scanMessage(res qr.Result) string {
	switch res.Outcome {
	case qr.OutcomeAccepted:
		return "Attendance marked for " + res.StudentName + "!"
	case qr.OutcomeDuplicate:
		return res.StudentName + " is already marked present!"
	case qr.OutcomeMalformed:
		return "Invalid QR code format!"
	case qr.OutcomeSessionNotLive:
		return "This session is not active or has ended."
	case qr.OutcomeUnknownStudent:
		return "Unknown student."
	default:
		return "Invalid or expired QR code!"
	}
}

func publishScanAudit(ctx context.Context, q queue.Queue, sessionID, ip string, res qr.Result) {
	body, err := json.Marshal(attendance.ScanAudit{
		SessionID: sessionID,
		StudentID: res.StudentID,
		Outcome:   string(res.Outcome),
		IPAddress: ip,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := q.Publish(ctx, queue.Message{Type: "scan", Body: body}); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
