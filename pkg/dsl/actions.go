package dsl

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ActionSpec declares one member of the closed action set: its parameter
// schema, the capability it needs, and whether the verifier owns it.
type ActionSpec struct {
	Name       string
	Capability string // webx | fs | pdf | mail_draft | control
	Verifier   bool
	Schema     *jsonschema.Schema
}

// actionSchemas holds the raw parameter schemas, keyed by action name.
// Reserved step keys (when/engine/required_role/timeout_ms) are stripped
// before validation, so schemas describe action params only.
var actionSchemas = map[string]struct {
	capability string
	verifier   bool
	schema     string
}{
	"find_files": {"fs", false, `{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"roots": {"type": "array", "items": {"type": "string"}},
			"limit": {"type": "integer", "minimum": 1}
		},
		"required": ["query"],
		"additionalProperties": false
	}`},
	"rename": {"fs", false, `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"pattern": {"type": "string"}
		},
		"required": ["pattern"],
		"additionalProperties": false
	}`},
	"move_to": {"fs", false, `{
		"type": "object",
		"properties": {
			"path": {},
			"dest": {"type": "string"},
			"overwrite_if_exists": {"type": "boolean"}
		},
		"required": ["dest"],
		"additionalProperties": false
	}`},
	"pdf_merge": {"pdf", false, `{
		"type": "object",
		"properties": {
			"inputs": {},
			"out": {"type": "string"}
		},
		"required": ["inputs"],
		"additionalProperties": false
	}`},
	"pdf_extract_pages": {"pdf", false, `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"ranges": {"type": "string"},
			"out": {"type": "string"}
		},
		"required": ["path", "ranges"],
		"additionalProperties": false
	}`},
	"compose_mail": {"mail_draft", false, `{
		"type": "object",
		"properties": {
			"to": {"type": "array", "items": {"type": "string"}},
			"subject": {"type": "string"},
			"body": {"type": "string"}
		},
		"required": ["to", "subject"],
		"additionalProperties": false
	}`},
	"attach_files": {"mail_draft", false, `{
		"type": "object",
		"properties": {
			"files": {},
			"draft_id": {"type": "string"}
		},
		"required": ["files"],
		"additionalProperties": false
	}`},
	"save_draft": {"mail_draft", false, `{
		"type": "object",
		"properties": {"draft_id": {"type": "string"}},
		"additionalProperties": false
	}`},
	"open_browser": {"webx", false, `{
		"type": "object",
		"properties": {
			"url": {"type": "string"},
			"context": {"type": "string"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`},
	"fill_by_label": {"webx", false, `{
		"type": "object",
		"properties": {
			"label": {"type": "string"},
			"text": {"type": "string"},
			"frame": {"type": "string"}
		},
		"required": ["label", "text"],
		"additionalProperties": false
	}`},
	"click_by_text": {"webx", false, `{
		"type": "object",
		"properties": {
			"text": {"type": "string"},
			"role": {"type": "string"},
			"frame": {"type": "string"}
		},
		"required": ["text"],
		"additionalProperties": false
	}`},
	"upload_file": {"webx", false, `{
		"type": "object",
		"properties": {
			"selector": {"type": "string"},
			"label": {"type": "string"},
			"path": {"type": "string"}
		},
		"required": ["path"],
		"additionalProperties": false
	}`},
	"download_file": {"webx", false, `{
		"type": "object",
		"properties": {
			"url": {"type": "string"},
			"to": {"type": "string"}
		},
		"additionalProperties": false
	}`},
	"wait_for_download": {"webx", false, `{
		"type": "object",
		"properties": {
			"to": {"type": "string"}
		},
		"additionalProperties": false
	}`},
	"capture_screen_schema": {"webx", false, `{
		"type": "object",
		"properties": {"target": {"type": "string"}},
		"additionalProperties": false
	}`},
	"wait_for_element": {"webx", true, `{
		"type": "object",
		"properties": {
			"text": {"type": "string"},
			"selector": {"type": "string"},
			"role": {"type": "string"}
		},
		"additionalProperties": false
	}`},
	"assert_element": {"webx", true, `{
		"type": "object",
		"properties": {
			"text": {"type": "string"},
			"selector": {"type": "string"},
			"role": {"type": "string"},
			"count_gte": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`},
	"assert_text": {"webx", true, `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`},
	"assert_file_exists": {"fs", true, `{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"],
		"additionalProperties": false
	}`},
	"assert_pdf_pages": {"pdf", true, `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"expected_pages": {"type": "integer", "minimum": 0}
		},
		"required": ["path", "expected_pages"],
		"additionalProperties": false
	}`},
	"human_confirm": {"control", false, `{
		"type": "object",
		"properties": {
			"message": {"type": "string"},
			"timeout_minutes": {"type": "integer", "minimum": 1},
			"auto_action": {"type": "string", "enum": ["deny", "approve"]},
			"risk_level": {"type": "string", "enum": ["low", "medium", "high"]}
		},
		"required": ["message"],
		"additionalProperties": false
	}`},
	"policy_guard": {"control", false, `{
		"type": "object",
		"additionalProperties": false
	}`},
}

// Actions is the compiled closed action set.
var Actions = compileActions()

func compileActions() map[string]*ActionSpec {
	out := make(map[string]*ActionSpec, len(actionSchemas))
	for name, raw := range actionSchemas {
		c := jsonschema.NewCompiler()
		res := fmt.Sprintf("deskflow://actions/%s.json", name)
		if err := c.AddResource(res, strings.NewReader(raw.schema)); err != nil {
			panic(fmt.Sprintf("dsl: bad schema resource for %s: %v", name, err))
		}
		schema, err := c.Compile(res)
		if err != nil {
			panic(fmt.Sprintf("dsl: bad schema for action %s: %v", name, err))
		}
		out[name] = &ActionSpec{
			Name:       name,
			Capability: raw.capability,
			Verifier:   raw.verifier,
			Schema:     schema,
		}
	}
	return out
}

// LookupAction returns the declaration for an action name, or nil if unknown.
func LookupAction(name string) *ActionSpec { return Actions[name] }

// IsVerifierAction reports whether the action is owned by the verifier.
func IsVerifierAction(name string) bool {
	spec := Actions[name]
	return spec != nil && spec.Verifier
}
