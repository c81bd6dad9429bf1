package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/fingerprint"
	"github.com/chirino/contentpool/internal/optimizer"
	registryroute "github.com/chirino/contentpool/internal/registry/route"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// Storage stats older than this are refreshed on request.
const statsMaxAge = time.Minute

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 10,
		Loader: func(r *gin.Engine, e *engine.Engine) error {
			if e == nil {
				return nil
			}
			MountRoutes(r, e)
			return nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// StorageStatsResponse is the body of GET /v1/admin/storage/stats.
type StorageStatsResponse struct {
	Storage         *registrystore.Stats                      `json:"storage"`
	RefreshedAt     time.Time                                 `json:"refreshedAt"`
	DedupCache      fingerprint.CacheStats                    `json:"dedupCache"`
	LastPhases      map[optimizer.Phase]optimizer.PhaseReport `json:"lastPhases"`
	LastRun         *optimizer.OptimizationReport             `json:"lastRun,omitempty"`
	OptimizerConfig config.OptimizerConfig                    `json:"optimizerConfig"`
}

// MountRoutes mounts the read-only admin routes.
func MountRoutes(r *gin.Engine, e *engine.Engine) {
	g := r.Group("/v1/admin")
	g.GET("/storage/stats", func(c *gin.Context) {
		storageStats(c, e)
	})
}

func storageStats(c *gin.Context, e *engine.Engine) {
	opt := e.Optimizer()
	st := opt.Stats()
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	if refresh || st.Storage == nil || e.Clock().Now().Sub(st.RefreshedAt) > statsMaxAge {
		if _, err := opt.RefreshStats(c.Request.Context()); err != nil {
			log.Error("Admin: storage stats refresh failed", "err", err)
			if st.Storage == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": gin.H{"code": "stats_unavailable", "message": err.Error()},
				})
				return
			}
		}
		st = opt.Stats()
	}
	c.JSON(http.StatusOK, StorageStatsResponse{
		Storage:         st.Storage,
		RefreshedAt:     st.RefreshedAt,
		DedupCache:      e.Index().CacheStats(),
		LastPhases:      st.LastPhases,
		LastRun:         st.LastRun,
		OptimizerConfig: opt.Config(),
	})
}
