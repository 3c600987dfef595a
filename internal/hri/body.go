package hri

import (
	"encoding/json"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// SkeletonJoint is a single 2D skeleton keypoint with its confidence.
type SkeletonJoint struct {
	Joint      string  `json:"joint"`
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Confidence float32 `json:"c"`
}

// Body is a tracked body, hydrated from the body detail topics.
type Body struct {
	tracked

	roi      RegionOfInterest
	hasROI   bool
	skeleton []SkeletonJoint
}

func newBody(id ID, tr Transport) *Body {
	return &Body{tracked: newTracked(id, FeatureBody, tr)}
}

// init subscribes to the body's detail topics. Performed once at creation,
// before the body is visible to any reader.
func (b *Body) init() error {
	if err := b.checkHydratable(); err != nil {
		return err
	}
	b.listen("roi", b.applyROI)
	b.listen("skeleton2d", b.applySkeleton)
	return nil
}

func (b *Body) applyROI(payload string) {
	var roi RegionOfInterest
	if err := json.Unmarshal([]byte(payload), &roi); err != nil {
		monitoring.Logf("hri: body %s: bad roi payload: %v", b.id, err)
		return
	}
	b.mu.Lock()
	b.roi = roi
	b.hasROI = true
	b.mu.Unlock()
}

func (b *Body) applySkeleton(payload string) {
	var joints []SkeletonJoint
	if err := json.Unmarshal([]byte(payload), &joints); err != nil {
		monitoring.Logf("hri: body %s: bad skeleton payload: %v", b.id, err)
		return
	}
	b.mu.Lock()
	b.skeleton = joints
	b.mu.Unlock()
}

// ROI returns the body's region of interest, and whether one has been
// received yet.
func (b *Body) ROI() (RegionOfInterest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.roi, b.hasROI
}

// Skeleton returns a copy of the most recent 2D skeleton keypoints. The
// result is empty until the first skeleton message arrives.
func (b *Body) Skeleton() []SkeletonJoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SkeletonJoint, len(b.skeleton))
	copy(out, b.skeleton)
	return out
}
