/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package attachment provides a local, in-memory stand-in for the external
// tabular attachment store (§1 Non-goals: attachment template cloning and
// ACL management live outside this engine). DevStore is only good enough to
// let the engine boot and exercise its own control flow in a dev
// environment; a real deployment wires a client for the actual document
// store instead.
package attachment

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/wacul/ptr"

	"github.com/mdmflow/orchestrator"
	"github.com/mdmflow/orchestrator/internal/validation"
)

// schemaFor returns the task-sheet column schema a cloned template carries.
// A real document store reads mandatory columns off a background-color
// marker and rule metadata off the sheet itself (§4.5.a); this dev stub
// approximates that with a small built-in schema keyed by request type so
// Validate has real rules to dispatch against instead of a stub no-op.
func schemaFor(requestType string) []validation.ColumnSpec {
	if s, ok := taskSheetSchemas[requestType]; ok {
		return s
	}
	return taskSheetSchemas["default"]
}

var taskSheetSchemas = map[string][]validation.ColumnSpec{
	"default": {
		{Name: "itemCode", Mandatory: true},
		{Name: "quantity", Mandatory: true, Rule: &validation.Rule{Kind: validation.RuleTyped, Type: validation.TypeInteger}},
		{Name: "status", Mandatory: true, Rule: &validation.Rule{Kind: validation.RuleLookup, Set: []string{"NEW", "REVISED", "CANCELLED"}}},
	},
	"Onboarding": {
		{Name: "companyCode", Mandatory: true},
		{Name: "bankAccountNumber", Mandatory: true, Rule: &validation.Rule{
			Kind:      validation.RuleRegexDependent,
			DependsOn: ptr.String("bankType"),
			Patterns: map[string]*regexp.Regexp{
				"BCA":    regexp.MustCompile(`^\d{10}$`),
				"MANDIRI": regexp.MustCompile(`^\d{13}$`),
			},
		}},
		{Name: "bankType", Mandatory: true, Rule: &validation.Rule{Kind: validation.RuleLookup, Set: []string{"BCA", "MANDIRI"}}},
	},
}

type record struct {
	cells     [4]orchestrator.AttachmentCell
	columns   []validation.ColumnSpec
	taskSheet []map[string]string
	protected bool
	defaults  map[string]string
	approvers map[int][]string
}

// DevStore is a map-backed orchestrator.AttachmentService. It never talks
// to a real document store — ReadApprovalCells only ever reports what a
// prior Clear/Grant call left behind, so a request parked behind it sits
// pending until something else (a test, a debug endpoint) pokes its state.
type DevStore struct {
	mu      sync.Mutex
	records map[string]*record
}

func NewDevStore() *DevStore {
	return &DevStore{records: make(map[string]*record)}
}

func (d *DevStore) get(ref string) *record {
	r, ok := d.records[ref]
	if !ok {
		r = &record{defaults: map[string]string{}, approvers: map[int][]string{}}
		d.records[ref] = r
	}
	return r
}

func (d *DevStore) CloneTemplate(_ context.Context, requestType, businessUnit string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := fmt.Sprintf("%s-%s-%s", requestType, businessUnit, gofakeit.LetterN(8))
	d.records[ref] = &record{defaults: map[string]string{}, approvers: map[int][]string{}, columns: schemaFor(requestType)}
	return ref, nil
}

// SeedTaskSheet installs the task-sheet data rows a real document store
// would already hold by the time the requester fills Completed — exposed
// for dev/test callers since DevStore has no UI of its own to edit cells.
func (d *DevStore) SeedTaskSheet(attachmentRef string, rows []map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.get(attachmentRef).taskSheet = rows
}

func (d *DevStore) SetDefaultCells(_ context.Context, attachmentRef string, fields map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(attachmentRef)
	for k, v := range fields {
		r.defaults[k] = v
	}
	return nil
}

func (d *DevStore) GrantApproverScopes(_ context.Context, attachmentRef string, approverEmailsByLevel map[int][]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(attachmentRef)
	for level, emails := range approverEmailsByLevel {
		r.approvers[level] = emails
	}
	return nil
}

func (d *DevStore) GrantEditRights(_ context.Context, attachmentRef, assignee string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.get(attachmentRef).defaults["assignee"] = assignee
	return nil
}

func (d *DevStore) Protect(_ context.Context, attachmentRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.get(attachmentRef).protected = true
	return nil
}

func (d *DevStore) Unprotect(_ context.Context, attachmentRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.get(attachmentRef).protected = false
	return nil
}

func (d *DevStore) ClearApprovalCell(_ context.Context, attachmentRef string, level int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(attachmentRef)
	r.cells[level] = orchestrator.AttachmentCell{Level: level}
	return nil
}

func (d *DevStore) ClearApprovalCellsFrom(_ context.Context, attachmentRef string, fromLevel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(attachmentRef)
	for level := fromLevel; level < len(r.cells); level++ {
		r.cells[level] = orchestrator.AttachmentCell{Level: level}
	}
	return nil
}

func (d *DevStore) CountTaskRows(_ context.Context, attachmentRef string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.get(attachmentRef).taskSheet), nil
}

// Validate runs every task-sheet row through the rule-dispatch table in
// internal/validation (§4.5.a) against the schema CloneTemplate assigned.
func (d *DevStore) Validate(_ context.Context, attachmentRef string) (orchestrator.AttachmentValidation, error) {
	d.mu.Lock()
	r := d.get(attachmentRef)
	rows, columns := r.taskSheet, r.columns
	d.mu.Unlock()

	result := validation.ValidateSheet(rows, columns)
	return orchestrator.AttachmentValidation{EmptyCols: result.EmptyCols, InvalidCols: result.InvalidCols}, nil
}

func (d *DevStore) ReadApprovalCells(_ context.Context, attachmentRef string) ([4]orchestrator.AttachmentCell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.get(attachmentRef).cells, nil
}
