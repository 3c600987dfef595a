package hri

import (
	"encoding/json"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Voice is a tracked voice, hydrated from the voice-activity and speech
// detail topics.
type Voice struct {
	tracked

	speaking    bool
	speech      string
	incremental string
}

func newVoice(id ID, tr Transport) *Voice {
	return &Voice{tracked: newTracked(id, FeatureVoice, tr)}
}

// init subscribes to the voice's detail topics. Performed once at creation,
// before the voice is visible to any reader.
func (v *Voice) init() error {
	if err := v.checkHydratable(); err != nil {
		return err
	}
	v.listen("is_speaking", v.applySpeaking)
	v.listen("speech", v.applySpeech)
	return nil
}

func (v *Voice) applySpeaking(payload string) {
	var speaking bool
	if err := json.Unmarshal([]byte(payload), &speaking); err != nil {
		monitoring.Logf("hri: voice %s: bad is_speaking payload: %v", v.id, err)
		return
	}
	v.mu.Lock()
	v.speaking = speaking
	v.mu.Unlock()
}

func (v *Voice) applySpeech(payload string) {
	var msg struct {
		Incremental string `json:"incremental"`
		Final       string `json:"final"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		monitoring.Logf("hri: voice %s: bad speech payload: %v", v.id, err)
		return
	}
	v.mu.Lock()
	v.incremental = msg.Incremental
	if msg.Final != "" {
		v.speech = msg.Final
		v.incremental = ""
	}
	v.mu.Unlock()
}

// IsSpeaking reports whether speech activity is currently detected for this
// voice.
func (v *Voice) IsSpeaking() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.speaking
}

// Speech returns the last finalised speech transcript for this voice.
func (v *Voice) Speech() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.speech
}

// IncrementalSpeech returns the in-progress transcript, cleared whenever a
// final transcript arrives.
func (v *Voice) IncrementalSpeech() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.incremental
}
