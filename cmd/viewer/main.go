// Command viewer pans and zooms a .tqt texture quad-tree on screen.
//
// Every frame it picks a level of detail from the zoom, activates the
// visible tiles in the texture cache, draws them and releases them again,
// so tiles that scroll out of view become eviction candidates.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"go.uber.org/zap"

	"terratex/internal/gpu/ebitengpu"
	"terratex/internal/logger"
	"terratex/internal/texcache"
	"terratex/internal/tqt"
)

const (
	panSpeed  = 8.0
	zoomStep  = 1.1
	minZoom   = 0.25
	screenW   = 1024
	screenH   = 768
	debugKeys = "arrows/WASD pan, wheel or +/- zoom, R reset, T trim, Esc quit"
)

type viewer struct {
	tree   *tqt.Tree
	cache  *texcache.Cache
	logger *zap.Logger

	// center of the view in level 0 pixels
	cx, cy float64
	// screen pixels per level 0 pixel
	zoom    float64
	maxZoom float64

	width, height int
	level         int
	drawn         int
	// tiles whose image cannot be decoded
	failed map[texcache.Key]bool
}

func newViewer(tree *tqt.Tree, cache *texcache.Cache, log *zap.Logger) *viewer {
	v := &viewer{
		tree:    tree,
		cache:   cache,
		logger:  log,
		maxZoom: float64(int(1) << (tree.Depth() - 1)),
		width:   screenW,
		height:  screenH,
		failed:  make(map[texcache.Key]bool),
	}
	v.reset()
	return v
}

func (v *viewer) reset() {
	ts := float64(v.tree.TileSize())
	v.cx, v.cy = ts/2, ts/2
	v.zoom = math.Min(float64(v.width), float64(v.height)) / ts
}

func (v *viewer) Update() error {
	if ebiten.IsKeyPressed(ebiten.KeyEscape) || ebiten.IsKeyPressed(ebiten.KeyQ) {
		return ebiten.Termination
	}

	step := panSpeed / v.zoom
	if ebiten.IsKeyPressed(ebiten.KeyArrowLeft) || ebiten.IsKeyPressed(ebiten.KeyA) {
		v.cx -= step
	}
	if ebiten.IsKeyPressed(ebiten.KeyArrowRight) || ebiten.IsKeyPressed(ebiten.KeyD) {
		v.cx += step
	}
	if ebiten.IsKeyPressed(ebiten.KeyArrowUp) || ebiten.IsKeyPressed(ebiten.KeyW) {
		v.cy -= step
	}
	if ebiten.IsKeyPressed(ebiten.KeyArrowDown) || ebiten.IsKeyPressed(ebiten.KeyS) {
		v.cy += step
	}

	_, wheel := ebiten.Wheel()
	switch {
	case wheel > 0 || ebiten.IsKeyPressed(ebiten.KeyEqual):
		v.zoom *= zoomStep
	case wheel < 0 || ebiten.IsKeyPressed(ebiten.KeyMinus):
		v.zoom /= zoomStep
	}
	v.zoom = math.Max(minZoom, math.Min(v.zoom, v.maxZoom))

	if ebiten.IsKeyPressed(ebiten.KeyR) {
		v.reset()
	}
	if ebiten.IsKeyPressed(ebiten.KeyT) {
		v.cache.Trim()
	}
	return nil
}

// levelFor returns the coarsest level whose tiles are not magnified.
func (v *viewer) levelFor(zoom float64) int {
	level := int(math.Ceil(math.Log2(zoom)))
	if level < 0 {
		return 0
	}
	if level > v.tree.Depth()-1 {
		return v.tree.Depth() - 1
	}
	return level
}

func (v *viewer) Draw(screen *ebiten.Image) {
	v.level = v.levelFor(v.zoom)
	n := 1 << v.level
	ts := float64(v.tree.TileSize())
	tileWorld := ts / float64(n)

	halfW := float64(v.width) / 2 / v.zoom
	halfH := float64(v.height) / 2 / v.zoom
	col0, col1 := clampRange(int(math.Floor((v.cx-halfW)/tileWorld)), int(math.Floor((v.cx+halfW)/tileWorld)), n)
	row0, row1 := clampRange(int(math.Floor((v.cy-halfH)/tileWorld)), int(math.Floor((v.cy+halfH)/tileWorld)), n)

	var active []*texcache.Tile
	defer func() {
		for _, t := range active {
			t.Release()
		}
	}()

	v.drawn = 0
	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			key := texcache.Key{Tree: v.tree, Level: v.level, Row: row, Col: col}
			if v.failed[key] {
				continue
			}
			tile := v.cache.Make(key)
			if err := tile.Activate(); err != nil {
				if texcache.Permanent(err) {
					v.failed[key] = true
					v.logger.Warn("Failed to load tile", zap.Stringer("tile", key), zap.Error(err))
				} else {
					v.logger.Debug("Tile not resident, retrying next frame", zap.Stringer("tile", key), zap.Error(err))
				}
				continue
			}
			active = append(active, tile)

			tex, ok := tile.Texture().(*ebitengpu.Texture)
			if !ok {
				continue
			}
			op := &ebiten.DrawImageOptions{}
			op.Filter = tex.Filter()
			op.GeoM.Scale(tileWorld*v.zoom/float64(tex.Width()), tileWorld*v.zoom/float64(tex.Height()))
			op.GeoM.Translate(
				(float64(col)*tileWorld-v.cx)*v.zoom+float64(v.width)/2,
				(float64(row)*tileWorld-v.cy)*v.zoom+float64(v.height)/2,
			)
			screen.DrawImage(tex.Image(), op)
			v.drawn++
		}
	}

	stats := v.cache.Stats()
	ebitenutil.DebugPrint(screen, fmt.Sprintf(
		"level %d/%d  zoom %.2f  drawn %d\nresident %d  %.1f/%.1f MiB  peak %.1f MiB\nloads %d  hits %d  evictions %d\n%s",
		v.level, v.tree.Depth()-1, v.zoom, v.drawn,
		stats.Active+stats.Inactive, mib(stats.UsedBytes), mib(stats.BudgetBytes), mib(stats.PeakBytes),
		stats.Loads, stats.Hits, stats.Evictions,
		debugKeys,
	))
}

func (v *viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	v.width, v.height = outsideWidth, outsideHeight
	return outsideWidth, outsideHeight
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

func mib(b int64) float64 {
	return float64(b) / texcache.OneMiB
}

func main() {
	path := flag.String("tqt", "", "texture quad-tree to view")
	budgetMB := flag.Int64("budget-mb", texcache.DefaultBudget/texcache.OneMiB, "texture cache budget in MiB")
	gpuMB := flag.Int64("gpu-mb", 0, "texture memory limit in MiB, 0 for unlimited")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.New(*logLevel, "console")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if *path == "" {
		flag.Usage()
		os.Exit(2)
	}

	tree, err := tqt.Open(*path)
	if err != nil {
		log.Fatal("Failed to open texture quad-tree", zap.String("path", *path), zap.Error(err))
	}
	defer tree.Close()

	cache := texcache.New(*budgetMB*texcache.OneMiB, ebitengpu.New(*gpuMB*texcache.OneMiB), log.Named("texcache"))
	defer cache.Close()

	log.Info("Viewing texture quad-tree",
		zap.String("path", *path),
		zap.Int("depth", tree.Depth()),
		zap.Int("tile_size", tree.TileSize()),
		zap.Int64("budget_bytes", cache.Budget()),
	)

	ebiten.SetWindowSize(screenW, screenH)
	ebiten.SetWindowTitle("terratex - " + *path)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGame(newViewer(tree, cache, log)); err != nil && !errors.Is(err, ebiten.Termination) {
		log.Fatal("Viewer failed", zap.Error(err))
	}

	stats := cache.Stats()
	log.Info("Viewer closed",
		zap.Uint64("loads", stats.Loads),
		zap.Uint64("evictions", stats.Evictions),
		zap.Int64("peak_bytes", stats.PeakBytes),
	)
}
