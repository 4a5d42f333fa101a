// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/agent"
	"github.com/mobiletoly/go-fieldsync/internal/config"
)

// Device is one simulated field device: its own store, engine and network link.
type Device struct {
	Name   string
	UserID string
	Net    *Network
	Agent  *agent.Agent

	dir      string
	preserve bool
	logger   *slog.Logger
}

// DeviceConfig describes a device to create.
type DeviceConfig struct {
	UserID   string
	DeviceID string
	Offline  bool
}

// NewDevice opens a device with a fresh database under the simulator work dir.
func (s *Simulator) NewDevice(ctx context.Context, dc DeviceConfig) (*Device, error) {
	safe := strings.NewReplacer("/", "_", "-", "_").Replace(dc.UserID + "_" + dc.DeviceID)
	dir, err := os.MkdirTemp(s.config.WorkDir, safe+"_")
	if err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}

	cfg := config.Default()
	cfg.ServerURL = s.config.ServerURL
	cfg.DataDir = dir
	cfg.BuildID = "sim"
	cfg.ChunkSize = s.config.ChunkSize
	cfg.Auth.User = dc.UserID
	cfg.Auth.Password = s.config.Password
	cfg.Auth.Device = dc.DeviceID
	cfg.Sync.Interval = 0
	cfg.Sync.OnlineCheckInterval = config.Duration(time.Second)
	cfg.Queue.Base = config.Duration(s.config.BackoffBase)
	cfg.Queue.Ceiling = config.Duration(s.config.BackoffMax)
	cfg.Queue.MaxAttempts = s.config.MaxAttempts
	cfg.Chunk.Base = config.Duration(s.config.BackoffBase)
	cfg.Chunk.Ceiling = config.Duration(s.config.BackoffMax)
	cfg.LogLevel = "warn"
	if err := cfg.Validate(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	logger := s.logger.With("device", dc.DeviceID, "user", dc.UserID)
	net := NewNetwork(s.config.Transport)
	a, err := agent.New(ctx, cfg, logger, agent.WithTransport(net))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open device %s: %w", dc.DeviceID, err)
	}
	d := &Device{
		Name:     dc.DeviceID,
		UserID:   dc.UserID,
		Net:      net,
		Agent:    a,
		dir:      dir,
		preserve: s.config.PreserveDB,
		logger:   logger,
	}
	if dc.Offline {
		d.GoOffline()
	}
	logger.Info("Device ready", "db", cfg.DatabasePath(), "offline", dc.Offline)
	return d, nil
}

// GoOffline cuts the device's network.
func (d *Device) GoOffline() {
	d.Net.SetDown(true)
	d.Agent.Engine.SetOnline(false)
	d.logger.Info("📴 Device went offline")
}

// GoOnline restores the network and lets the monitor notice it.
func (d *Device) GoOnline(ctx context.Context) {
	d.Net.SetDown(false)
	online := d.Agent.Monitor.Check(ctx)
	d.logger.Info("📶 Device back online", "reachable", online)
}

// FillForm autosaves a draft step by step, the way a user fills a form.
func (d *Device) FillForm(ctx context.Context, formID string, steps int, rnd *rand.Rand) (*fieldstore.Draft, error) {
	draft := &fieldstore.Draft{FormID: formID, ProjectID: "sim-project", Data: map[string]any{}}
	for step := range steps {
		draft.CurrentStep = step
		draft.Data[fmt.Sprintf("step%d_answer", step)] = fmt.Sprintf("answer-%d", rnd.IntN(1000))
		draft.Data[fmt.Sprintf("step%d_score", step)] = float64(rnd.IntN(10))
		if err := d.Agent.Outbox.SaveDraft(ctx, draft); err != nil {
			return nil, fmt.Errorf("failed to autosave step %d: %w", step, err)
		}
	}
	return draft, nil
}

// AttachPhoto stores a generated PNG as media of a draft field.
func (d *Device) AttachPhoto(ctx context.Context, draftID int64, field string, rnd *rand.Rand) (string, error) {
	data, err := samplePhoto(rnd, 96, 96)
	if err != nil {
		return "", err
	}
	return d.Agent.Outbox.AttachMedia(ctx, draftID, fieldstore.MediaInput{
		Data:      data,
		MimeType:  "image/png",
		Filename:  field + ".png",
		FieldName: field,
	})
}

// Submit freezes a draft into a submission.
func (d *Device) Submit(ctx context.Context, draftID int64) (*fieldstore.Submission, error) {
	return d.Agent.Outbox.Submit(ctx, draftID)
}

// Outstanding counts queue items that still need work.
func (d *Device) Outstanding(ctx context.Context) (int, error) {
	stats, err := d.Agent.Queue.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats[fieldstore.StatusPending] + stats[fieldstore.StatusProcessing] +
		stats[fieldstore.StatusUploading] + stats[fieldstore.StatusError], nil
}

// SyncTotals accumulates the results of repeated drains.
type SyncTotals struct {
	Cycles    int `json:"cycles"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
}

// SyncUntilDrained drains the queue until nothing is outstanding or timeout
// passes. Unreachable-server cycles count as retries.
func (d *Device) SyncUntilDrained(ctx context.Context, timeout time.Duration) (*SyncTotals, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	totals := &SyncTotals{}
	for {
		res, err := d.Agent.Engine.SyncAll(ctx)
		if res != nil {
			totals.Cycles += res.Cycles
			totals.Succeeded += res.Succeeded
			totals.Failed += res.Failed
			totals.Retries += res.Retrying
		}
		if err != nil {
			if ctx.Err() != nil {
				return totals, fmt.Errorf("queue not drained within %s: %w", timeout, err)
			}
			totals.Retries++
		}

		left, err := d.Outstanding(ctx)
		if err != nil {
			return totals, err
		}
		if left == 0 {
			return totals, nil
		}
		select {
		case <-ctx.Done():
			return totals, fmt.Errorf("queue not drained within %s: %d items outstanding", timeout, left)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close releases the device store and removes its files unless preserved.
func (d *Device) Close() error {
	err := d.Agent.Close()
	if d.preserve {
		d.logger.Info("Preserving device database", "dir", d.dir)
		return err
	}
	return errors.Join(err, os.RemoveAll(d.dir))
}

func samplePhoto(rnd *rand.Rand, w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(rnd.IntN(256)), G: uint8(x * 2), B: uint8(y * 2), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode sample photo: %w", err)
	}
	return buf.Bytes(), nil
}
