package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/klikkflow/flowsync/core/collab"
	"gopkg.in/yaml.v3"
)

// script is a replayable editing session:
//
//	session: wf-1
//	participants: [alice, bob]
//	document: {nodes: {...}, edges: {...}, settings: {...}}
//	steps:
//	  - op: {id: op-1, kind: text-insert, user_id: alice, path: [n1, body], payload: {position: 0, text: hi}}
//	  - ack: {user: bob, version: 1}
//	  - undo: alice
//	  - reset: true
type script struct {
	Session      string         `yaml:"session"`
	Participants []string       `yaml:"participants"`
	Document     map[string]any `yaml:"document"`
	Steps        []scriptStep   `yaml:"steps"`
}

type scriptStep struct {
	Op    map[string]any `yaml:"op"`
	Ack   *scriptAck     `yaml:"ack"`
	Undo  string         `yaml:"undo"`
	Reset bool           `yaml:"reset"`
}

type scriptAck struct {
	User    string `yaml:"user"`
	Version uint64 `yaml:"version"`
}

// conflictScript holds two operations to check against each other. B is
// treated as the incoming operation.
type conflictScript struct {
	Window string         `yaml:"window"`
	A      map[string]any `yaml:"a"`
	B      map[string]any `yaml:"b"`
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// viaJSON converts YAML-decoded values into engine types, which carry JSON
// codecs for their polymorphic payloads.
func viaJSON(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func decodeOperation(raw map[string]any) (collab.Operation, error) {
	var op collab.Operation
	if err := viaJSON(raw, &op); err != nil {
		return collab.Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

func decodeDocument(raw map[string]any) (*collab.Document, error) {
	doc := collab.NewDocument()
	if raw == nil {
		return doc, nil
	}
	if err := viaJSON(raw, doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]*collab.Node)
	}
	if doc.Edges == nil {
		doc.Edges = make(map[string]*collab.Edge)
	}
	if doc.Settings == nil {
		doc.Settings = make(map[string]any)
	}
	return doc, nil
}

func (s scriptStep) validate(i int) error {
	set := 0
	if s.Op != nil {
		set++
	}
	if s.Ack != nil {
		set++
	}
	if s.Undo != "" {
		set++
	}
	if s.Reset {
		set++
	}
	if set != 1 {
		return fmt.Errorf("step %d: exactly one of op, ack, undo or reset is required", i+1)
	}
	return nil
}
