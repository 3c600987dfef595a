package hri

import (
	"encoding/json"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// RegionOfInterest is a rectangle in normalised image coordinates locating a
// feature in the camera frame.
type RegionOfInterest struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// FacialLandmark is a single detected facial keypoint with its confidence.
type FacialLandmark struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Confidence float32 `json:"c"`
}

// Face is a tracked face, hydrated from the face detail topics as the
// perception pipeline publishes them.
type Face struct {
	tracked

	roi       RegionOfInterest
	hasROI    bool
	landmarks []FacialLandmark
	age       float32
	hasAge    bool
}

func newFace(id ID, tr Transport) *Face {
	return &Face{tracked: newTracked(id, FeatureFace, tr)}
}

// init subscribes to the face's detail topics. Performed once at creation,
// before the face is visible to any reader.
func (f *Face) init() error {
	if err := f.checkHydratable(); err != nil {
		return err
	}
	f.listen("roi", f.applyROI)
	f.listen("landmarks", f.applyLandmarks)
	f.listen("softbiometrics", f.applySoftBiometrics)
	return nil
}

func (f *Face) applyROI(payload string) {
	var roi RegionOfInterest
	if err := json.Unmarshal([]byte(payload), &roi); err != nil {
		monitoring.Logf("hri: face %s: bad roi payload: %v", f.id, err)
		return
	}
	f.mu.Lock()
	f.roi = roi
	f.hasROI = true
	f.mu.Unlock()
}

func (f *Face) applyLandmarks(payload string) {
	var landmarks []FacialLandmark
	if err := json.Unmarshal([]byte(payload), &landmarks); err != nil {
		monitoring.Logf("hri: face %s: bad landmarks payload: %v", f.id, err)
		return
	}
	f.mu.Lock()
	f.landmarks = landmarks
	f.mu.Unlock()
}

func (f *Face) applySoftBiometrics(payload string) {
	var msg struct {
		Age float32 `json:"age"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		monitoring.Logf("hri: face %s: bad softbiometrics payload: %v", f.id, err)
		return
	}
	f.mu.Lock()
	f.age = msg.Age
	f.hasAge = true
	f.mu.Unlock()
}

// ROI returns the face's region of interest, and whether one has been
// received yet.
func (f *Face) ROI() (RegionOfInterest, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.roi, f.hasROI
}

// Landmarks returns a copy of the most recent facial landmarks. The result
// is empty until the first landmarks message arrives.
func (f *Face) Landmarks() []FacialLandmark {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FacialLandmark, len(f.landmarks))
	copy(out, f.landmarks)
	return out
}

// Age returns the estimated age, and whether an estimate has been received.
func (f *Face) Age() (float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.age, f.hasAge
}
