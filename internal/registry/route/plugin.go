package route

import (
	"sort"
	"sync"

	"github.com/chirino/contentpool/internal/engine"
	"github.com/gin-gonic/gin"
)

// RouterLoader mounts management routes. e is nil while the engine is
// still starting; loaders must tolerate that.
type RouterLoader func(r *gin.Engine, e *engine.Engine) error

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Order  int
	Loader RouterLoader
}

var (
	plugins  []Plugin
	sortOnce sync.Once
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Loaders returns every registered loader, sorted by order.
func Loaders() []RouterLoader {
	sortOnce.Do(func() {
		sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Order < plugins[j].Order })
	})
	loaders := make([]RouterLoader, len(plugins))
	for i, p := range plugins {
		loaders[i] = p.Loader
	}
	return loaders
}
