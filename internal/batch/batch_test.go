package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"quadrant/internal/corners"
)

func photo() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 110, 60, 0), 120, 160, gocv.MatTypeCV8UC3)
}

func quad() corners.Quad {
	return corners.Quad{{X: 20, Y: 10}, {X: 140, Y: 15}, {X: 135, Y: 110}, {X: 25, Y: 105}}
}

type fakeIO struct {
	unreadable map[string]bool
	failWrite  map[string]bool
	written    []string
}

func (f *fakeIO) load(path string) gocv.Mat {
	if f.unreadable[path] {
		return gocv.NewMat()
	}
	return photo()
}

func (f *fakeIO) write(path string, img gocv.Mat, quality int) error {
	if f.failWrite[filepath.Base(path)] {
		return errors.New("disk full")
	}
	if img.Empty() {
		return errors.New("empty image")
	}
	f.written = append(f.written, path)
	return nil
}

// scripted answers the provider call for each 1-based image index.
type scripted struct {
	answers map[int]corners.Selection
	calls   []int
}

func (s *scripted) SelectCorners(_ context.Context, sess *corners.Session) (corners.Selection, error) {
	s.calls = append(s.calls, sess.Index)
	if sel, ok := s.answers[sess.Index]; ok {
		return sel, nil
	}
	return corners.Selected(quad(), corners.Manual), nil
}

func newPipeline(t *testing.T, io *fakeIO, p corners.Provider) *Pipeline {
	t.Helper()
	d := corners.NewDetector()
	d.ManualOnly = true
	return &Pipeline{
		Detector:   d,
		Provider:   p,
		RedLevel:   3,
		OutputSize: 64,
		OutputDir:  t.TempDir(),
		Load:       io.load,
		Write:      io.write,
	}
}

func paths(n int) []string {
	var out []string
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("in/IMG_%02d.JPG", i))
	}
	return out
}

func TestProcessBatchCancelStopsRun(t *testing.T) {
	io := &fakeIO{}
	prov := &scripted{answers: map[int]corners.Selection{3: corners.Cancel()}}

	res, err := newPipeline(t, io, prov).ProcessBatch(context.Background(), paths(5))
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []int{1, 2, 3}, prov.calls)
	assert.Len(t, io.written, 2)
	assert.NotEmpty(t, res.RunID)
}

func TestProcessBatchSkipContinues(t *testing.T) {
	io := &fakeIO{}
	prov := &scripted{answers: map[int]corners.Selection{2: corners.Skip()}}

	p := newPipeline(t, io, prov)
	res, err := p.ProcessBatch(context.Background(), paths(5))
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 5, res.Succeeded+res.Skipped+res.Failed)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, prov.calls)

	want := []string{
		filepath.Join(p.OutputDir, "IMG_01_Corrected.jpg"),
		filepath.Join(p.OutputDir, "IMG_03_Corrected.jpg"),
		filepath.Join(p.OutputDir, "IMG_04_Corrected.jpg"),
		filepath.Join(p.OutputDir, "IMG_05_Corrected.jpg"),
	}
	if diff := cmp.Diff(want, res.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessBatchCountsFailures(t *testing.T) {
	in := paths(4)
	io := &fakeIO{
		unreadable: map[string]bool{in[0]: true},
		failWrite:  map[string]bool{"IMG_02_Corrected.jpg": true},
	}
	prov := &scripted{answers: map[int]corners.Selection{
		3: corners.Selected(corners.Quad{{X: 0, Y: 0}, {X: 50, Y: 50}, {X: 50, Y: 0}, {X: 0, Y: 50}}, corners.Manual),
	}}

	p := newPipeline(t, io, prov)
	res, err := p.ProcessBatch(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
	require.Len(t, res.Failures, 3)
	assert.ErrorIs(t, res.Failures[0].Err, ErrImageUnreadable)
	assert.ErrorIs(t, res.Failures[1].Err, ErrOutputWrite)
	assert.ErrorIs(t, res.Failures[2].Err, corners.ErrSelectionFailed)
	assert.Equal(t, in[2], res.Failures[2].Path)

	// The unreadable image never reaches the provider.
	assert.Equal(t, []int{2, 3, 4}, prov.calls)
}

func TestProcessBatchRefusesOutputCollisions(t *testing.T) {
	io := &fakeIO{}
	prov := &scripted{answers: map[int]corners.Selection{3: corners.Skip()}}
	in := []string{"dive1/a.jpg", "dive1/a.png", "dive2/b.jpg", "dive3/b.jpg"}

	p := newPipeline(t, io, prov)
	res, err := p.ProcessBatch(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "dive1/a.png", res.Failures[0].Path)
	assert.ErrorIs(t, res.Failures[0].Err, ErrOutputWrite)

	// A skipped image leaves its output name free.
	assert.Equal(t, []string{
		filepath.Join(p.OutputDir, "a_Corrected.jpg"),
		filepath.Join(p.OutputDir, "b_Corrected.jpg"),
	}, io.written)
	assert.Equal(t, []int{1, 3, 4}, prov.calls)
}

func TestProcessBatchRecoversPanics(t *testing.T) {
	io := &fakeIO{}
	calls := 0
	prov := corners.ProviderFunc(func(_ context.Context, s *corners.Session) (corners.Selection, error) {
		calls++
		if s.Index == 1 {
			panic("boom")
		}
		return corners.Selected(quad(), corners.Manual), nil
	})

	res, err := newPipeline(t, io, prov).ProcessBatch(context.Background(), paths(2))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Contains(t, res.Failures[0].Err.Error(), "boom")
}

func TestProcessBatchContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prov := &scripted{}
	res, err := newPipeline(t, &fakeIO{}, prov).ProcessBatch(ctx, paths(3))
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Zero(t, res.Succeeded+res.Skipped+res.Failed)
	assert.Empty(t, prov.calls)
}

func TestProcessBatchRejectsBadInput(t *testing.T) {
	p := newPipeline(t, &fakeIO{}, &scripted{})

	_, err := p.ProcessBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoImages)

	p.RedLevel = 7
	_, err = p.ProcessBatch(context.Background(), paths(1))
	assert.ErrorIs(t, err, ErrSettings)

	p.RedLevel = 3
	p.JPEGQuality = 101
	_, err = p.ProcessBatch(context.Background(), paths(1))
	assert.ErrorIs(t, err, ErrSettings)
}

func TestProcessBatchDebugOverlay(t *testing.T) {
	io := &fakeIO{}
	p := newPipeline(t, io, &scripted{})
	p.DebugOverlay = true

	_, err := p.ProcessBatch(context.Background(), paths(1))
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(p.OutputDir, "IMG_01-analysis.jpg"),
		filepath.Join(p.OutputDir, "IMG_01_Corrected.jpg"),
	}, io.written)
}

func TestProcessOne(t *testing.T) {
	img := photo()
	defer img.Close()

	tests := []struct {
		name    string
		answer  corners.Selection
		want    Outcome
		wantMat bool
	}{
		{"points", corners.Selected(quad(), corners.Manual), Processed, true},
		{"skip", corners.Skip(), Skipped, false},
		{"cancel", corners.Cancel(), Cancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &scripted{answers: map[int]corners.Selection{1: tt.answer}}
			p := newPipeline(t, &fakeIO{}, prov)

			outcome, out, err := p.ProcessOne(context.Background(), &corners.Session{Path: "a.jpg", Index: 1, Total: 1, Image: img})
			require.NoError(t, err)
			defer out.Close()

			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.wantMat, !out.Empty())
			if tt.wantMat {
				assert.Equal(t, 64, out.Rows())
				assert.Equal(t, 64, out.Cols())
			}
		})
	}
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.jpeg", "c.png", "notes.txt", "d.TIFF", "e.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	got, err := CollectImages([]string{dir, "single.bmp"}, DefaultSuffix)
	require.NoError(t, err)

	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"a.jpeg", "b.JPG", "c.png", "d.TIFF", "e.webp", "single.bmp"}, names)
}

func TestCollectImagesSkipsPreviousOutput(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"IMG_1.JPG", "IMG_1_Corrected.jpg", "IMG_1-analysis.jpg", "IMG_2.png", "IMG_2_x.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	got, err := CollectImages([]string{dir}, DefaultSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "IMG_1.JPG"),
		filepath.Join(dir, "IMG_2.png"),
		filepath.Join(dir, "IMG_2_x.jpg"),
	}, got)

	got, err = CollectImages([]string{dir}, "_x")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "IMG_1.JPG"),
		filepath.Join(dir, "IMG_1_Corrected.jpg"),
		filepath.Join(dir, "IMG_2.png"),
	}, got)

	// Named explicitly, an output file is still accepted.
	explicit := filepath.Join(dir, "IMG_1_Corrected.jpg")
	got, err = CollectImages([]string{explicit}, DefaultSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{explicit}, got)
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "IMG_7_Corrected.jpg"), OutputPath("photos/IMG_7.PNG", "out", "_Corrected"))
	assert.Equal(t, filepath.Join("photos", "IMG_7_x.jpg"), OutputPath("photos/IMG_7.jpeg", "", "_x"))
	assert.True(t, strings.HasSuffix(OverlayPath("a/b.jpg", ""), "b-analysis.jpg"))
}
