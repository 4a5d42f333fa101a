// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

// Scenario is one scripted device story.
type Scenario interface {
	Name() string
	Description() string
	Setup(ctx context.Context) error
	Execute(ctx context.Context, report *ScenarioReport) error
	Verify(ctx context.Context, verifier *Verifier, report *ScenarioReport) error
	Cleanup(ctx context.Context) error
}

// BaseScenario opens devices, verifies all of them and closes them on cleanup.
type BaseScenario struct {
	sim         *Simulator
	name        string
	description string
	devices     []*Device
	rnd         *rand.Rand
}

func newBaseScenario(sim *Simulator, name, description string) *BaseScenario {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sim.userPrefix + name))
	return &BaseScenario{
		sim:         sim,
		name:        name,
		description: description,
		rnd:         rand.New(rand.NewPCG(sim.config.Seed, h.Sum64())),
	}
}

func (b *BaseScenario) Name() string        { return b.name }
func (b *BaseScenario) Description() string { return b.description }

// user returns the scenario's user id.
func (b *BaseScenario) user() string {
	return b.sim.userPrefix + "user-" + b.name
}

func (b *BaseScenario) openDevice(ctx context.Context, deviceID string, offline bool) (*Device, error) {
	d, err := b.sim.NewDevice(ctx, DeviceConfig{UserID: b.user(), DeviceID: deviceID, Offline: offline})
	if err != nil {
		return nil, err
	}
	b.devices = append(b.devices, d)
	return d, nil
}

// Setup opens one online device. Scenarios needing more override it.
func (b *BaseScenario) Setup(ctx context.Context) error {
	_, err := b.openDevice(ctx, "device-"+b.name, false)
	return err
}

// Verify checks every device against the server.
func (b *BaseScenario) Verify(ctx context.Context, v *Verifier, report *ScenarioReport) error {
	total := VerifyResult{}
	for _, d := range b.devices {
		res, err := v.VerifyDevice(ctx, d)
		if err != nil {
			return err
		}
		total.Submissions += res.Submissions
		total.Media += res.Media
	}
	report.AddMetric("verified_submissions", total.Submissions)
	report.AddMetric("verified_media", total.Media)
	return nil
}

func (b *BaseScenario) Cleanup(context.Context) error {
	var errs []error
	for _, d := range b.devices {
		errs = append(errs, d.Close())
	}
	b.devices = nil
	return errors.Join(errs...)
}

// fillAndSubmit fills n forms on d, optionally with photos, and submits them.
func (b *BaseScenario) fillAndSubmit(ctx context.Context, d *Device, n, photos int) ([]*fieldstore.Submission, error) {
	subs := make([]*fieldstore.Submission, 0, n)
	for i := range n {
		draft, err := d.FillForm(ctx, fmt.Sprintf("site-inspection-%d", i%3), 3, b.rnd)
		if err != nil {
			return nil, err
		}
		for p := range photos {
			if _, err := d.AttachPhoto(ctx, draft.ID, fmt.Sprintf("photo%d", p), b.rnd); err != nil {
				return nil, fmt.Errorf("failed to attach photo: %w", err)
			}
		}
		sub, err := d.Submit(ctx, draft.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to submit draft %d: %w", draft.ID, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (b *BaseScenario) drain(ctx context.Context, d *Device, report *ScenarioReport) (*SyncTotals, error) {
	totals, err := d.SyncUntilDrained(ctx, b.sim.config.DrainTimeout)
	if err != nil {
		return totals, err
	}
	if totals.Failed > 0 {
		return totals, fmt.Errorf("%d item(s) failed permanently on %s", totals.Failed, d.Name)
	}
	report.AddMetric(d.Name+"_sync", totals)
	return totals, nil
}

// GetScenario creates a scenario by name, or nil when unknown.
func GetScenario(sim *Simulator, name string) Scenario {
	switch name {
	case "fresh-install":
		return &FreshInstallScenario{newBaseScenario(sim, name,
			"New device fills forms offline, then delivers everything on first connection")}
	case "offline-online":
		return &OfflineOnlineScenario{newBaseScenario(sim, name,
			"Repeated network loss with submissions queued while offline")}
	case "media-upload":
		return &MediaUploadScenario{newBaseScenario(sim, name,
			"Photos attached offline are chunked, uploaded and linked to their submission")}
	case "flaky-network":
		return &FlakyNetworkScenario{newBaseScenario(sim, name,
			"Upload requests are dropped periodically; retries deliver everything exactly once")}
	case "multi-device":
		return &MultiDeviceScenario{newBaseScenario(sim, name,
			"Two devices of one user queue offline and drain concurrently")}
	default:
		return nil
	}
}

// GetAvailableScenarios lists scenario names in run order.
func GetAvailableScenarios() []string {
	return []string{"fresh-install", "offline-online", "media-upload", "flaky-network", "multi-device"}
}

// FreshInstallScenario starts without network.
type FreshInstallScenario struct{ *BaseScenario }

func (s *FreshInstallScenario) Setup(ctx context.Context) error {
	_, err := s.openDevice(ctx, "device-fresh-001", true)
	return err
}

func (s *FreshInstallScenario) Execute(ctx context.Context, report *ScenarioReport) error {
	d := s.devices[0]
	subs, err := s.fillAndSubmit(ctx, d, 4, 0)
	if err != nil {
		return err
	}
	left, err := d.Outstanding(ctx)
	if err != nil {
		return err
	}
	if left != len(subs) {
		return fmt.Errorf("expected %d queued submissions while offline, found %d", len(subs), left)
	}
	d.GoOnline(ctx)
	totals, err := s.drain(ctx, d, report)
	if err != nil {
		return err
	}
	if totals.Succeeded != len(subs) {
		return fmt.Errorf("delivered %d of %d submissions", totals.Succeeded, len(subs))
	}
	report.AddMetric("submissions", len(subs))
	return nil
}

// OfflineOnlineScenario alternates connectivity.
type OfflineOnlineScenario struct{ *BaseScenario }

func (s *OfflineOnlineScenario) Execute(ctx context.Context, report *ScenarioReport) error {
	d := s.devices[0]
	const rounds = 3
	for round := range rounds {
		d.GoOffline()
		if _, err := s.fillAndSubmit(ctx, d, 2, 0); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		if d.Agent.Engine.Online() {
			return fmt.Errorf("round %d: engine still online after network loss", round)
		}
		d.GoOnline(ctx)
		if _, err := s.drain(ctx, d, report); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
	}
	report.AddMetric("rounds", rounds)
	return nil
}

// MediaUploadScenario submits forms with photos.
type MediaUploadScenario struct{ *BaseScenario }

func (s *MediaUploadScenario) Setup(ctx context.Context) error {
	_, err := s.openDevice(ctx, "device-media-001", true)
	return err
}

func (s *MediaUploadScenario) Execute(ctx context.Context, report *ScenarioReport) error {
	d := s.devices[0]
	subs, err := s.fillAndSubmit(ctx, d, 2, 2)
	if err != nil {
		return err
	}
	chunks := 0
	for _, sub := range subs {
		items, err := d.Agent.Media.ListByOwner(ctx, fieldstore.SubmissionRef(sub.ID))
		if err != nil {
			return err
		}
		if len(items) != 2 {
			return fmt.Errorf("submission %d owns %d media, expected 2", sub.ID, len(items))
		}
		for _, it := range items {
			chunks += it.Chunks
		}
	}
	d.GoOnline(ctx)
	if _, err := s.drain(ctx, d, report); err != nil {
		return err
	}
	report.AddMetric("chunks", chunks)
	return nil
}

// FlakyNetworkScenario drops a share of upload requests.
type FlakyNetworkScenario struct{ *BaseScenario }

func (s *FlakyNetworkScenario) Execute(ctx context.Context, report *ScenarioReport) error {
	d := s.devices[0]
	d.Net.SetFlaky(3)
	if _, err := s.fillAndSubmit(ctx, d, 5, 1); err != nil {
		return err
	}
	totals, err := s.drain(ctx, d, report)
	if err != nil {
		return err
	}
	if d.Net.Dropped() == 0 {
		return errors.New("no request was dropped")
	}
	report.AddMetric("dropped_requests", d.Net.Dropped())
	report.AddMetric("retries", totals.Retries)
	return nil
}

// MultiDeviceScenario runs two devices of the same user.
type MultiDeviceScenario struct{ *BaseScenario }

func (s *MultiDeviceScenario) Setup(ctx context.Context) error {
	for _, id := range []string{"device-tablet", "device-phone"} {
		if _, err := s.openDevice(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *MultiDeviceScenario) Execute(ctx context.Context, report *ScenarioReport) error {
	for _, d := range s.devices {
		if _, err := s.fillAndSubmit(ctx, d, 3, 1); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range s.devices {
		g.Go(func() error {
			d.GoOnline(gctx)
			_, err := s.drain(gctx, d, report)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// A second drain finds nothing left to send.
	for _, d := range s.devices {
		res, err := d.Agent.Engine.SyncAll(ctx)
		if err != nil {
			return err
		}
		if res.Succeeded != 0 {
			return fmt.Errorf("%s re-sent %d items", d.Name, res.Succeeded)
		}
	}
	return nil
}
