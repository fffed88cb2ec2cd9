package hub

import (
	"encoding/json"
	"log"
	"time"

	"fleethub/internal/wire"
)

// Composer joins the credential store and the registry into a
// DashboardMessage and hands it to the fan-out. It always reads the
// credential store before the registry; every other path must take the
// locks in the same order.
type Composer struct {
	creds    *CredentialStore
	registry *Registry
	fanout   *Fanout
}

func NewComposer(creds *CredentialStore, registry *Registry, fanout *Fanout) *Composer {
	return &Composer{creds: creds, registry: registry, fanout: fanout}
}

// Compose builds the current snapshot. The online flag is recomputed from
// last_updated against a single now for the whole snapshot, never cached.
func (c *Composer) Compose() wire.DashboardMessage {
	now := time.Now()

	servers := c.creds.List()
	entries := c.registry.Snapshot()

	byID := make(map[string]snapshotEntry, len(entries))
	for _, e := range entries {
		byID[e.ServerID] = e
	}

	msg := wire.DashboardMessage{
		Type:    "metrics",
		Servers: make([]wire.ServerSnapshot, 0, len(servers)),
	}
	for _, sv := range servers {
		snap := wire.ServerSnapshot{
			ServerID: sv.ID,
			Name:     sv.Name,
			Location: sv.Location,
			Provider: sv.Provider,
			Tag:      sv.Tag,
			Version:  sv.Version,
			IP:       sv.IP,
		}
		if e, ok := byID[sv.ID]; ok {
			snap.Online = Online(e.LastUpdated, now)
			if e.HasSample {
				m := e.Latest
				snap.Metrics = &m
			}
		}
		msg.Servers = append(msg.Servers, snap)
	}
	return msg
}

// ComposeForAttach is the same snapshot, with site settings attached for a
// dashboard subscriber's very first frame.
func (c *Composer) ComposeForAttach() wire.DashboardMessage {
	msg := c.Compose()
	msg.SiteSettings = c.creds.SiteSettingsSnapshot()
	return msg
}

// Emit composes and broadcasts a snapshot. A marshal failure is logged and
// swallowed; composer errors never reach sessions or subscribers.
func (c *Composer) Emit() {
	data, err := json.Marshal(c.Compose())
	if err != nil {
		log.Printf("[composer] marshal failed: %v", err)
		return
	}
	c.fanout.Broadcast(data)
}

// RunTick drives the 1-second composer tick; it only emits when at least
// one agent is registered, so an idle hub stays silent.
func (c *Composer) RunTick(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.registry.Len() > 0 {
				c.Emit()
			}
		}
	}
}
