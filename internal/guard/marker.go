package guard

import "context"

// CopyMarker describes how a guarded write was isolated. It is attached to
// the context passed to the underlying write.
type CopyMarker struct {
	UserID        string
	EntryID       string
	OriginalPath  string
	EffectivePath string
	ContentHash   string
	// IsNewCopy is true when this write forked the user off a shared object.
	IsNewCopy bool
	// Isolated is false when the write fell through to the original path.
	Isolated bool
}

type markerKey struct{}

func WithCopyMarker(ctx context.Context, m *CopyMarker) context.Context {
	return context.WithValue(ctx, markerKey{}, m)
}

// CopyMarkerFrom returns the marker attached by Guard.Write, if any.
func CopyMarkerFrom(ctx context.Context) (*CopyMarker, bool) {
	m, ok := ctx.Value(markerKey{}).(*CopyMarker)
	return m, ok
}
