package corners

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

// SidecarExt is appended to an image path to find its corner file.
const SidecarExt = ".corners"

// Sidecar reads manually chosen corners from a text file next to the
// image ("photo.jpg.corners"). The file holds four "x y" (or "x,y") lines
// in TL, TR, BR, BL order, or a single "skip" or "cancel" line. Blank
// lines and lines starting with '#' are ignored.
type Sidecar struct {
	// Fallback answers for images without a sidecar file. Nil means the
	// selection fails.
	Fallback Provider

	// Reorder puts the file's points into canonical order instead of
	// trusting the order they were written in.
	Reorder bool
}

func (s Sidecar) SelectCorners(ctx context.Context, sess *Session) (Selection, error) {
	if err := ctx.Err(); err != nil {
		return Cancel(), nil
	}

	path := sess.Path + SidecarExt
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && s.Fallback != nil {
			return s.Fallback.SelectCorners(ctx, sess)
		}
		return Selection{}, fmt.Errorf("%w: %v", ErrSelectionFailed, err)
	}
	defer f.Close()

	var pts []gocv.Point2f
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		switch strings.ToLower(text) {
		case "skip":
			return Skip(), nil
		case "cancel":
			return Cancel(), nil
		}

		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) != 2 {
			return Selection{}, fmt.Errorf("%w: %s:%d: want \"x y\", got %q", ErrSelectionFailed, path, line, text)
		}
		x, errX := strconv.ParseFloat(fields[0], 32)
		y, errY := strconv.ParseFloat(fields[1], 32)
		if errX != nil || errY != nil {
			return Selection{}, fmt.Errorf("%w: %s:%d: bad coordinate %q", ErrSelectionFailed, path, line, text)
		}
		pts = append(pts, gocv.Point2f{X: float32(x), Y: float32(y)})
	}
	if err := scanner.Err(); err != nil {
		return Selection{}, fmt.Errorf("%w: %v", ErrSelectionFailed, err)
	}

	q, err := NewQuad(pts)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %s: %v", ErrSelectionFailed, path, err)
	}
	if s.Reorder {
		q = Order(q)
	}
	return Selected(q, Manual), nil
}

// WriteSidecar stores q next to imagePath in the format Sidecar reads.
func WriteSidecar(imagePath string, q Quad) error {
	var b strings.Builder
	for _, p := range q {
		fmt.Fprintf(&b, "%f %f\n", p.X, p.Y)
	}
	return os.WriteFile(imagePath+SidecarExt, []byte(b.String()), 0o644)
}
