package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".webp": true,
}

// overlaySuffix ends the base name of debug overlay images.
const overlaySuffix = "-analysis"

// CollectImages expands directories in args into the image files they
// contain, sorted by name. Subdirectories are not descended into, and
// files this package wrote there (names ending in outputSuffix or
// "-analysis") are left out so a repeated run does not correct its own
// output. Plain file arguments are kept as given, in order, whatever their
// name.
func CollectImages(args []string, outputSuffix string) ([]string, error) {
	var files []string
	for _, arg := range args {
		if !isDir(arg) {
			files = append(files, arg)
			continue
		}
		dirFiles, err := expandDirectory(arg, outputSuffix)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %q: %w", arg, err)
		}
		files = append(files, dirFiles...)
	}
	return files, nil
}

func expandDirectory(dir, outputSuffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if IsImageFile(path) && !isDerived(path, outputSuffix) {
			images = append(images, path)
		}
	}
	sort.Strings(images)
	return images, nil
}

// IsImageFile reports whether path has a supported image extension.
func IsImageFile(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

func isDerived(path, outputSuffix string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if strings.HasSuffix(base, overlaySuffix) {
		return true
	}
	return outputSuffix != "" && strings.HasSuffix(base, outputSuffix)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// OutputPath names the corrected image for src: "{base}{suffix}.jpg" in
// dir, or beside src when dir is empty.
func OutputPath(src, dir, suffix string) string {
	return derivedPath(src, dir, suffix+".jpg")
}

// OverlayPath names the debug overlay for src.
func OverlayPath(src, dir string) string {
	return derivedPath(src, dir, overlaySuffix+".jpg")
}

func derivedPath(src, dir, tail string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	if dir == "" {
		dir = filepath.Dir(src)
	}
	return filepath.Join(dir, base+tail)
}
