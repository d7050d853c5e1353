package api

import (
	"context"
	"net/http"
	"strings"

	"carposter/internal/auction"
	"carposter/internal/config"
	"carposter/internal/publish"
	"carposter/internal/storage"
	logx "carposter/pkg/logx"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// Publisher runs one batch to completion.
type Publisher interface {
	Run(ctx context.Context, b publish.Batch) publish.Report
}

type Cleaner interface {
	CleanupBatch(ctx context.Context, batchID string) (int, error)
	CleanupAll(ctx context.Context) (publish.CleanupResult, error)
}

type LotLister interface {
	ListLots(ctx context.Context, auctionID string) ([]auction.Lot, error)
}

type History interface {
	ListBatches(ctx context.Context, limit int) ([]storage.BatchSummary, error)
}

// Runner starts supervised background work.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Deps wires the handlers. Func fields are read per request so hot
// reloaded values apply immediately.
type Deps struct {
	Publisher    Publisher
	Cleaner      Cleaner
	Lots         LotLister
	History      History
	Runner       Runner
	Destinations func() []config.Destination
	Logs         func() []string
	Password     func() string
	Log          logx.Logger

	CORSOrigins []string
	StaticDir   string
	// NewBatchID generates ids for requests that omit batch_id.
	NewBatchID func() string
}

type Handler struct {
	d Deps
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &Handler{d: d}

	r := gin.New()
	r.Use(recovery(d.Log), requestLog(d.Log), cors(d.CORSOrigins))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health", h.Health)
	if dir := strings.TrimSpace(d.StaticDir); dir != "" {
		r.StaticFile("/", dir+"/index.html")
		r.Static("/assets", dir+"/assets")
		r.NoRoute(func(c *gin.Context) {
			if strings.HasPrefix(c.Request.URL.Path, "/api/") {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
				return
			}
			c.File(dir + "/index.html")
		})
	} else {
		r.GET("/", h.Health)
	}

	g := r.Group("/api", bearerAuth(d.Password))
	g.GET("/check-auth", h.CheckAuth)
	g.GET("/auction/preview", h.AuctionPreview)
	g.POST("/process", h.Process)
	g.POST("/cleanup", h.Cleanup)
	g.POST("/cleanup-all", h.CleanupAll)
	g.GET("/history", h.History)
	g.GET("/destinations", h.Destinations)
	g.GET("/logs", h.Logs)
	return r
}
