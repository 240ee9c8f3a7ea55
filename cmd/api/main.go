package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/queue"
	"classtrack/internal/report"
	"classtrack/internal/roster"
	"classtrack/internal/schedule"
	"classtrack/internal/store"
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

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:marks")
	}

	window := schedule.Window{
		OpenAt:    cfg.WindowOpenAt,
		MarkFor:   cfg.MarkWindow,
		ReportFor: cfg.ReportGrace,
		LockFor:   cfg.StudentLockTTL,
	}

	attRepo := attendance.NewRepository(db.Client)
	marker := attendance.NewService(attRepo, window, cfg.LateGrace, cfg.TimeZone)
	importer := roster.NewImporter(roster.NewRepository(db.Client))
	reports := report.NewAggregator(db.Client)
	authRepo := auth.NewRepository(db.Client)

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
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authRepo.Authenticate(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			if err == auth.ErrBadCredentials {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			} else {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login unavailable"})
			}
			return
		}

		tokens, err := auth.Issue(user.ID, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = authRepo.SaveRefreshToken(c.Request.Context(), user.ID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          user.Role,
		})
	})

	v1 := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	v1.POST("/classes", func(c *gin.Context) {
		ident := identityFrom(c)
		if ident.Role != attendance.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		var req struct {
			Code         string `json:"code" binding:"required"`
			Name         string `json:"name" binding:"required"`
			InstructorID string `json:"instructor_id"`
			Capacity     int    `json:"capacity"`
			StartDate    string `json:"start_date" binding:"required"`
			EndDate      string `json:"end_date" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		start, err1 := time.ParseInLocation("2006-01-02", req.StartDate, cfg.TimeZone)
		end, err2 := time.ParseInLocation("2006-01-02", req.EndDate, cfg.TimeZone)
		if err1 != nil || err2 != nil || end.Before(start) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_date/end_date must be YYYY-MM-DD with end >= start"})
			return
		}
		class, err := attRepo.CreateClass(c.Request.Context(), attendance.Class{
			Code: req.Code, Name: req.Name, InstructorID: req.InstructorID,
			Capacity: req.Capacity, StartDate: start, EndDate: end,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, class)
	})

	v1.POST("/classes/:id/sessions", func(c *gin.Context) {
		class, ok := authorizedClass(c, attRepo, identityFrom(c))
		if !ok {
			return
		}
		var req struct {
			Date      string     `json:"date" binding:"required"`
			StartTime time.Time  `json:"start_time" binding:"required"`
			EndTime   *time.Time `json:"end_time"`
			Topic     string     `json:"topic"`
			IsHeld    *bool      `json:"is_held"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := time.ParseInLocation("2006-01-02", req.Date, cfg.TimeZone)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		held := true
		if req.IsHeld != nil {
			held = *req.IsHeld
		}
		session, err := attRepo.CreateSession(c.Request.Context(), attendance.Session{
			ClassID: class.ID, Date: date, StartTime: req.StartTime,
			EndTime: req.EndTime, Topic: req.Topic, IsHeld: held,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, session)
	})

	v1.GET("/sessions/:id/window", func(c *gin.Context) {
		session, err := attRepo.SessionByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if err == attendance.ErrNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			} else {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			}
			return
		}
		now := time.Now().In(cfg.TimeZone)
		y, m, d := session.Date.Date()
		sessionDate := time.Date(y, m, d, 0, 0, 0, 0, cfg.TimeZone)
		opens := window.OpensAt(sessionDate)
		c.JSON(http.StatusOK, gin.H{
			"session_id":    session.ID,
			"state":         window.Evaluate(sessionDate, now).String(),
			"opens_at":      opens,
			"marking_until": opens.Add(window.MarkFor),
			"closes_at":     opens.Add(window.MarkFor + window.ReportFor),
		})
	})

	v1.POST("/sessions/:id/marks", func(c *gin.Context) {
		var req struct {
			StudentID string     `json:"student_id" binding:"required"`
			Status    string     `json:"status" binding:"required"`
			CheckIn   *time.Time `json:"check_in"`
			CheckOut  *time.Time `json:"check_out"`
			Notes     string     `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := marker.Mark(c.Request.Context(), attendance.MarkRequest{
			SessionID: c.Param("id"),
			StudentID: req.StudentID,
			Status:    req.Status,
			CheckIn:   req.CheckIn,
			CheckOut:  req.CheckOut,
			Notes:     req.Notes,
		}, identityFrom(c), time.Now().In(cfg.TimeZone))
		if err != nil {
			writeMarkError(c, err)
			return
		}

		if err := q.Publish(c.Request.Context(), queue.Message{Type: "mark", Body: []byte(rec.ID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
		c.JSON(http.StatusCreated, rec)
	})

	v1.POST("/sessions/:id/marks/bulk", func(c *gin.Context) {
		var req struct {
			Entries []attendance.BulkEntry `json:"entries" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := marker.BulkMark(c.Request.Context(), c.Param("id"), req.Entries, identityFrom(c), time.Now().In(cfg.TimeZone))
		if err != nil {
			writeMarkError(c, err)
			return
		}

		for _, id := range res.AcceptedIDs {
			if err := q.Publish(c.Request.Context(), queue.Message{Type: "mark", Body: []byte(id)}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}
		c.JSON(http.StatusOK, res)
	})

	v1.GET("/sessions/:id/attendance", func(c *gin.Context) {
		records, err := attRepo.SessionRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "records": records})
	})

	v1.POST("/classes/:id/roster/import", func(c *gin.Context) {
		if _, ok := authorizedClass(c, attRepo, identityFrom(c)); !ok {
			return
		}
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
		res, err := importer.Import(c.Request.Context(), lines, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	v1.GET("/reports/class/:id", func(c *gin.Context) {
		start, end, ok := dateRange(c, cfg.TimeZone)
		if !ok {
			return
		}
		detailed := c.Query("detailed") == "true" || c.Query("detailed") == "1"
		rep, err := reports.ClassReport(c.Request.Context(), c.Param("id"), start, end, detailed)
		if err != nil {
			writeReportError(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	})

	v1.GET("/reports/class/:id/export", func(c *gin.Context) {
		start, end, ok := dateRange(c, cfg.TimeZone)
		if !ok {
			return
		}
		rep, err := reports.ClassReport(c.Request.Context(), c.Param("id"), start, end, true)
		if err != nil {
			writeReportError(c, err)
			return
		}
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="attendance.csv"`)
		if err := report.WriteCSV(c.Writer, rep); err != nil {
			log.Printf("csv export failed: %v", err)
		}
	})

	v1.GET("/reports/student/:id", func(c *gin.Context) {
		ident := identityFrom(c)
		if ident.Role == attendance.RoleStudent && ident.UserID != c.Param("id") {
			c.JSON(http.StatusForbidden, gin.H{"error": "students may only view their own attendance"})
			return
		}
		start, end, ok := dateRange(c, cfg.TimeZone)
		if !ok {
			return
		}
		stats, err := reports.StudentReport(c.Request.Context(), c.Param("id"), c.Query("class_id"), start, end)
		if err != nil {
			writeReportError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func identityFrom(c *gin.Context) attendance.Identity {
	claims := auth.ClaimsFrom(c)
	return attendance.Identity{UserID: claims.Subject, Role: claims.Role}
}

// authorizedClass loads the class and checks the caller may manage it
// (its instructor, or an admin). Writes the error response itself.
func authorizedClass(c *gin.Context, repo *attendance.Repository, ident attendance.Identity) (attendance.Class, bool) {
	class, err := repo.ClassByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == attendance.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
		return attendance.Class{}, false
	}
	if ident.Role != attendance.RoleAdmin && !(ident.Role == attendance.RoleInstructor && class.InstructorID == ident.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the instructor of this class"})
		return attendance.Class{}, false
	}
	return class, true
}

// dateRange parses optional start/end query params (YYYY-MM-DD, inclusive).
func dateRange(c *gin.Context, loc *time.Location) (*time.Time, *time.Time, bool) {
	parse := func(key string) (*time.Time, bool) {
		v := c.Query(key)
		if v == "" {
			return nil, true
		}
		t, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be YYYY-MM-DD"})
			return nil, false
		}
		return &t, true
	}
	start, ok := parse("start")
	if !ok {
		return nil, nil, false
	}
	end, ok := parse("end")
	if !ok {
		return nil, nil, false
	}
	return start, end, true
}

func writeMarkError(c *gin.Context, err error) {
	kind := attendance.KindOf(err)
	status := http.StatusConflict
	switch kind {
	case attendance.KindInvalidInput:
		status = http.StatusBadRequest
	case attendance.KindUnauthorized:
		status = http.StatusForbidden
	case attendance.KindNotFound:
		status = http.StatusNotFound
	case attendance.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func writeReportError(c *gin.Context, err error) {
	if err == attendance.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
