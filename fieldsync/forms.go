// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/form.schema.json
var formSchemaJSON []byte

// ErrInvalidForm is returned when a fetched form definition does not match the form schema.
var ErrInvalidForm = errors.New("invalid form definition")

// FormFetcher loads form templates network-first and falls back to the local
// cache when the remote API cannot be reached.
type FormFetcher struct {
	client *Client
	outbox *fieldstore.Outbox
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewFormFetcher compiles the form schema and returns a fetcher.
func NewFormFetcher(client *Client, outbox *fieldstore.Outbox, logger *slog.Logger) (*FormFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(formSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse form schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("form.schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add form schema: %w", err)
	}
	sch, err := c.Compile("form.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile form schema: %w", err)
	}
	return &FormFetcher{client: client, outbox: outbox, schema: sch, logger: logger}, nil
}

// Fetch returns the template for id. A fresh copy from the server replaces the
// cached one unless the cached version is newer. When the server is unreachable
// or answers with a retryable error the cached template is returned.
func (f *FormFetcher) Fetch(ctx context.Context, id string) (*fieldstore.FormTemplate, error) {
	form, raw, err := f.client.GetForm(ctx, id)
	if err != nil {
		if !isRetryable(err) {
			return nil, err
		}
		cached, cerr := f.outbox.GetForm(ctx, id)
		if cerr != nil {
			if errors.Is(cerr, fieldstore.ErrNotFound) {
				return nil, err
			}
			return nil, cerr
		}
		f.logger.Info("Serving cached form template", "form_id", id, "version", cached.Version, "error", err)
		return cached, nil
	}

	tpl, err := f.template(form, raw)
	if err != nil {
		return nil, err
	}
	saved, err := f.outbox.SaveForm(ctx, tpl)
	if err != nil {
		return nil, err
	}
	if !saved {
		// The cache holds a newer version.
		return f.outbox.GetForm(ctx, id)
	}
	f.logger.Debug("Cached form template", "form_id", tpl.ID, "version", tpl.Version, "steps", tpl.StepCount())
	return tpl, nil
}

// Validate checks raw against the form schema.
func (f *FormFetcher) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	if err := f.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	return nil
}

func (f *FormFetcher) template(form *fieldapi.Form, raw []byte) (*fieldstore.FormTemplate, error) {
	if err := f.Validate(raw); err != nil {
		return nil, err
	}
	tpl := &fieldstore.FormTemplate{
		ID:        form.ID,
		ProjectID: form.ProjectID,
		Version:   form.Version,
		Title:     form.Title,
		Steps:     make([]fieldstore.Step, 0, len(form.Steps)),
		Raw:       raw,
	}
	for i, s := range form.Steps {
		var step fieldstore.Step
		if err := json.Unmarshal(s, &step); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidForm, i, err)
		}
		tpl.Steps = append(tpl.Steps, step)
	}
	return tpl, nil
}
