package hri

import (
	"encoding/json"
	"strings"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Person is a tracked composite person. A person aggregates at most one
// face, body and voice by ID; the associations are maintained by the
// perception pipeline through the person's detail topics, not by the
// reconciliation engine. Resolving an association requires the owning
// Listener for the cross-feature lookup, so persons are constructed with a
// back-pointer to it.
type Person struct {
	tracked
	listener *Listener

	faceID             ID
	bodyID             ID
	voiceID            ID
	anonymous          bool
	locationConfidence float32
}

func newPerson(id ID, l *Listener, tr Transport) *Person {
	return &Person{
		tracked:  newTracked(id, FeaturePerson, tr),
		listener: l,
	}
}

// init subscribes to the person's association and state topics. Performed
// once at creation, before the person is visible to any reader.
func (p *Person) init() error {
	if err := p.checkHydratable(); err != nil {
		return err
	}
	p.listen("face_id", func(payload string) { p.applyAssociation(&p.faceID, payload) })
	p.listen("body_id", func(payload string) { p.applyAssociation(&p.bodyID, payload) })
	p.listen("voice_id", func(payload string) { p.applyAssociation(&p.voiceID, payload) })
	p.listen("anonymous", p.applyAnonymous)
	p.listen("location_confidence", p.applyLocationConfidence)
	return nil
}

// applyAssociation decodes an association payload. The pipeline publishes
// either a JSON string ("f1") or a bare identifier; an empty value clears
// the association.
func (p *Person) applyAssociation(target *ID, payload string) {
	var value string
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		value = strings.TrimSpace(payload)
	}
	p.mu.Lock()
	*target = ID(value)
	p.mu.Unlock()
}

func (p *Person) applyAnonymous(payload string) {
	var anonymous bool
	if err := json.Unmarshal([]byte(payload), &anonymous); err != nil {
		monitoring.Logf("hri: person %s: bad anonymous payload: %v", p.id, err)
		return
	}
	p.mu.Lock()
	p.anonymous = anonymous
	p.mu.Unlock()
}

func (p *Person) applyLocationConfidence(payload string) {
	var confidence float32
	if err := json.Unmarshal([]byte(payload), &confidence); err != nil {
		monitoring.Logf("hri: person %s: bad location_confidence payload: %v", p.id, err)
		return
	}
	p.mu.Lock()
	p.locationConfidence = confidence
	p.mu.Unlock()
}

// FaceID returns the ID of the face currently associated with this person,
// and whether an association exists.
func (p *Person) FaceID() (ID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.faceID, p.faceID != ""
}

// BodyID returns the ID of the body currently associated with this person,
// and whether an association exists.
func (p *Person) BodyID() (ID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bodyID, p.bodyID != ""
}

// VoiceID returns the ID of the voice currently associated with this person,
// and whether an association exists.
func (p *Person) VoiceID() (ID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voiceID, p.voiceID != ""
}

// Face resolves the associated face through the owning Listener. The second
// result is false when no association exists; the returned Ref may still be
// expired if the face has already vanished.
func (p *Person) Face() (Ref[*Face], bool) {
	id, ok := p.FaceID()
	if !ok {
		return Ref[*Face]{}, false
	}
	return p.listener.faces.ref(id), true
}

// Body resolves the associated body through the owning Listener.
func (p *Person) Body() (Ref[*Body], bool) {
	id, ok := p.BodyID()
	if !ok {
		return Ref[*Body]{}, false
	}
	return p.listener.bodies.ref(id), true
}

// Voice resolves the associated voice through the owning Listener.
func (p *Person) Voice() (Ref[*Voice], bool) {
	id, ok := p.VoiceID()
	if !ok {
		return Ref[*Voice]{}, false
	}
	return p.listener.voices.ref(id), true
}

// Anonymous reports whether this person is anonymous: tracked but not (yet)
// identified against a known identity.
func (p *Person) Anonymous() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.anonymous
}

// LocationConfidence returns the pipeline's confidence in the person's
// current location estimate, in [0, 1].
func (p *Person) LocationConfidence() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.locationConfidence
}
