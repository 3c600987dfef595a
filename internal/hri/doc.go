// Package hri maintains a live registry of perceived humans (faces, bodies,
// voices and composite persons) announced by a perception pipeline as
// periodic "currently tracked IDs" snapshots.
//
// The Listener is the main entry point. It subscribes to the per-feature
// tracked-ID topics on a Transport and reconciles every incoming snapshot
// against its internal stores: newly announced IDs become hydrated entities,
// vanished IDs are destroyed, and creation observers are notified. Readers
// get non-owning generational references that report expiry once the entity
// is gone, so a stale handle is a checkable state rather than a crash.
//
// Use example:
//
//	listener := hri.NewListener(mux)
//	defer listener.Close()
//
//	listener.OnFace(func(ref hri.Ref[*hri.Face]) {
//		if face, ok := ref.Get(); ok {
//			log.Printf("face %s seen", face.ID())
//		}
//	})
//
//	for id, ref := range listener.Faces() {
//		if _, ok := ref.Get(); ok {
//			log.Printf("face %s currently tracked", id)
//		}
//	}
package hri
