package myenergi

import (
	"context"
	"log"

	"github.com/samber/lo"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

// DetectChanges reports whether the device's capability set differs in
// membership from canonical.
func DetectChanges(dev *host.Device, canonical []string) bool {
	removed, added := lo.Difference(dev.Capabilities(), canonical)
	for _, c := range removed {
		log.Printf("myenergi: %s capability %s was removed", dev.ID(), c)
	}
	for _, c := range added {
		log.Printf("myenergi: %s capability %s was added", dev.ID(), c)
	}
	return len(removed) > 0 || len(added) > 0
}

// Reconcile rebuilds the capability list in canonical order. Values of
// capabilities present before and after are restored.
func Reconcile(ctx context.Context, dev *host.Device, canonical []string) {
	if err := dev.SetUnavailable(ctx, dev.Name()+" is reloading its capabilities and will be back shortly."); err != nil {
		log.Printf("myenergi: %s set unavailable: %v", dev.ID(), err)
	}
	log.Printf("myenergi: %s reconciling capabilities", dev.ID())

	saved := dev.CapabilityValues()
	for _, c := range dev.Capabilities() {
		if err := dev.RemoveCapability(ctx, c); err != nil {
			log.Printf("myenergi: %s remove capability %s: %v", dev.ID(), c, err)
		}
	}
	for _, c := range lo.Uniq(canonical) {
		if err := dev.AddCapability(ctx, c); err != nil {
			log.Printf("myenergi: %s add capability %s: %v", dev.ID(), c, err)
			continue
		}
		if v, ok := saved[c]; ok && v != nil {
			if err := dev.SetCapabilityValue(ctx, c, v); err != nil {
				log.Printf("myenergi: %s restore capability %s: %v", dev.ID(), c, err)
			}
		}
	}

	if err := dev.SetAvailable(ctx); err != nil {
		log.Printf("myenergi: %s set available: %v", dev.ID(), err)
	}
}
