package myenergi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

type Kind string

const (
	KindZappi Kind = "zappi"
	KindEddi  Kind = "eddi"
	KindHarvi Kind = "harvi"
)

var Kinds = []Kind{KindZappi, KindEddi, KindHarvi}

var ErrUnknownKind = errors.New("unknown device kind")

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKind)
	}
	return k, nil
}

// prefix is the letter the hub uses in endpoint paths and app keys.
func (k Kind) prefix() string {
	switch k {
	case KindZappi:
		return "Z"
	case KindEddi:
		return "E"
	case KindHarvi:
		return "H"
	}
	return ""
}

func (k Kind) label() string {
	if k == "" {
		return ""
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

// User-facing pairing errors.
var (
	ErrNoHubs        = errors.New("Can not find any myenergi hubs. Please add the hub credentials under myenergi app settings.")
	ErrPairingFailed = errors.New("An error occurred while trying to fetch devices. Please check your credentials in the app settings.")
)

// Driver pairs and creates devices of one kind.
type Driver[T Telemetry] struct {
	kind         Kind
	deps         *deps
	router       *Router[T]
	capabilities []string
	channels     int
	listAll      func(context.Context, HubClient) ([]T, error)
	build        func(*deviceBase, *Driver[T]) (host.DeviceHooks, error)
}

func (d *Driver[T]) ID() string         { return string(d.kind) }
func (d *Driver[T]) Kind() Kind         { return d.kind }
func (d *Driver[T]) Router() *Router[T] { return d.router }

// Capabilities is the canonical ordered capability list.
func (d *Driver[T]) Capabilities() []string {
	return slices.Clone(d.capabilities)
}

func (d *Driver[T]) NewDevice(dev *host.Device) (host.DeviceHooks, error) {
	base, err := newDeviceBase(d.kind, dev, d.deps)
	if err != nil {
		return nil, err
	}
	return d.build(base, d)
}

type candidate[T Telemetry] struct {
	record   T
	clientID string
}

// ListPairable queries every hub for devices of this kind. A serial seen on
// several hubs is offered once, from the first hub in configuration order.
func (d *Driver[T]) ListPairable(ctx context.Context) ([]host.PairRecord, error) {
	ids := d.deps.scheduler.ClientIDs()
	if len(ids) == 0 {
		return nil, ErrNoHubs
	}

	found := make([][]T, len(ids))
	failed := make([]bool, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			client, ok := d.deps.scheduler.Client(id)
			if !ok {
				failed[i] = true
				return fmt.Errorf("%s: %w", id, ErrNoClient)
			}
			records, err := d.listAll(ctx, client)
			if err != nil {
				log.Printf("myenergi: list %s devices on %s: %v", d.kind, id, err)
				failed[i] = true
				return fmt.Errorf("%s: %w", id, err)
			}
			found[i] = records
			return nil
		})
	}
	// one failing hub still leaves the others pairable
	if err := g.Wait(); err != nil && lo.EveryBy(failed, func(f bool) bool { return f }) {
		log.Printf("myenergi: list %s devices: every hub failed, first: %v", d.kind, err)
		return nil, ErrPairingFailed
	}

	var candidates []candidate[T]
	for i, records := range found {
		for _, rec := range records {
			candidates = append(candidates, candidate[T]{record: rec, clientID: ids[i]})
		}
	}
	candidates = lo.UniqBy(candidates, func(c candidate[T]) string { return c.record.ID() })

	out := make([]host.PairRecord, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, d.pairRecord(ctx, c))
	}
	return out, nil
}

func (d *Driver[T]) pairRecord(ctx context.Context, c candidate[T]) host.PairRecord {
	serial := c.record.ID()
	name := d.kind.label() + " " + serial
	settings := defaultSettings(d.channels)

	if client, ok := d.deps.scheduler.Client(c.clientID); ok {
		if entries, err := client.AppKey(ctx, d.kind.prefix()+serial); err == nil && len(entries) > 0 && entries[0].Val != "" {
			name = entries[0].Val
		}
		meta, err := siteMetadata(ctx, client, d.kind, serial)
		if err != nil {
			log.Printf("myenergi: site metadata for %s %s: %v", d.kind, serial, err)
		}
		for k, v := range meta {
			settings[k] = v
		}
	}

	return host.PairRecord{
		Name:         name,
		Data:         map[string]any{"id": serial},
		Icon:         "icon.svg",
		Store:        map[string]any{"myenergiClientId": c.clientID},
		Capabilities: d.Capabilities(),
		Settings:     settings,
	}
}
