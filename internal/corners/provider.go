package corners

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrSelectionFailed is returned when neither detection nor the manual
// provider yield usable corners or a skip/cancel decision.
var ErrSelectionFailed = errors.New("corner selection failed")

// Kind tags the variant held by a Selection.
type Kind int

const (
	Points Kind = iota
	Cancelled
	Skipped
)

func (k Kind) String() string {
	switch k {
	case Points:
		return "points"
	case Cancelled:
		return "cancelled"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Source records where a Selection's corners came from.
type Source int

const (
	Automatic Source = iota
	Manual
)

func (s Source) String() string {
	if s == Automatic {
		return "automatic"
	}
	return "manual"
}

// Selection is the result of locating corners for one image: either four
// ordered points, or a user decision to cancel the run or skip the image.
type Selection struct {
	Kind   Kind
	Quad   Quad
	Source Source
}

func Selected(q Quad, src Source) Selection { return Selection{Kind: Points, Quad: q, Source: src} }

func Cancel() Selection { return Selection{Kind: Cancelled, Source: Manual} }

func Skip() Selection { return Selection{Kind: Skipped, Source: Manual} }

// Session is the per-image state handed to a Provider.
type Session struct {
	Path  string
	Index int // 1-based position in the run
	Total int
	Image gocv.Mat
}

// Provider asks an external party (a person, a file, a policy) for the
// corners of an image it could not detect. Implementations may block;
// they must return when ctx is done.
type Provider interface {
	SelectCorners(ctx context.Context, s *Session) (Selection, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, s *Session) (Selection, error)

func (f ProviderFunc) SelectCorners(ctx context.Context, s *Session) (Selection, error) {
	return f(ctx, s)
}

// Fixed answers every request with the same decision.
type Fixed Kind

func (f Fixed) SelectCorners(context.Context, *Session) (Selection, error) {
	switch Kind(f) {
	case Cancelled:
		return Cancel(), nil
	case Skipped:
		return Skip(), nil
	}
	return Selection{}, fmt.Errorf("%w: no corners available", ErrSelectionFailed)
}

// DetectWithFallback tries automatic detection first and hands the image
// to p when that finds nothing. Manual points are checked before use.
func (d *Detector) DetectWithFallback(ctx context.Context, s *Session, p Provider) (Selection, error) {
	log := logrus.WithFields(logrus.Fields{"path": s.Path})

	if !d.ManualOnly {
		if q, ok := d.Detect(s.Image); ok {
			log.Debug("quadrant detected automatically")
			return Selected(q, Automatic), nil
		}
		log.Info("automatic detection failed, asking for manual corners")
	}

	if p == nil {
		return Selection{}, fmt.Errorf("%w: no manual provider", ErrSelectionFailed)
	}

	sel, err := p.SelectCorners(ctx, s)
	if err != nil {
		if errors.Is(err, ErrSelectionFailed) {
			return Selection{}, err
		}
		return Selection{}, fmt.Errorf("%w: %v", ErrSelectionFailed, err)
	}

	switch sel.Kind {
	case Cancelled, Skipped:
		sel.Source = Manual
		return sel, nil
	case Points:
		if err := sel.Quad.Validate(); err != nil {
			return Selection{}, fmt.Errorf("%w: %v", ErrSelectionFailed, err)
		}
		sel.Source = Manual
		return sel, nil
	}

	return Selection{}, fmt.Errorf("%w: unknown selection %v", ErrSelectionFailed, sel.Kind)
}
