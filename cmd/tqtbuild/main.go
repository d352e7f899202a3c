// Command tqtbuild cuts a large image into a .tqt texture quad-tree.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"terratex/internal/logger"
	"terratex/internal/tilegen"
	"terratex/internal/tqt"
)

func main() {
	in := flag.String("in", "", "source image (tif, jpg, png, webp)")
	out := flag.String("out", "", "output .tqt file")
	tileSize := flag.Int("tile", tilegen.DefaultTileSize, "tile size in pixels")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.New(*logLevel, "console")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if *in == "" || *out == "" {
		flag.Usage()
		os.Exit(2)
	}

	vips.Startup(nil)
	defer vips.Shutdown()

	if err := build(*in, *out, *tileSize, log); err != nil {
		log.Fatal("Build failed", zap.Error(err))
	}
}

func build(in, out string, tileSize int, log *zap.Logger) error {
	src, err := tilegen.Open(in, tileSize)
	if err != nil {
		return err
	}
	log.Info("Building texture quad-tree",
		zap.String("source", in),
		zap.Int("width", src.Width()),
		zap.Int("height", src.Height()),
		zap.Int("depth", src.Depth()),
		zap.Int("tiles", tqt.FullSize(src.Depth())),
	)

	tmpPath := out + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}

	written := 0
	err = tqt.Write(f, src.Depth(), tileSize, func(level, row, col int) (image.Image, error) {
		img, err := src.LoadImage(level, row, col)
		if err != nil {
			return nil, err
		}
		written++
		if written%256 == 0 {
			log.Info("Progress", zap.Int("tiles", written), zap.Int("level", level))
		}
		return img, nil
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, out); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	log.Info("Texture quad-tree written", zap.String("path", out), zap.Int("tiles", written))
	return nil
}
