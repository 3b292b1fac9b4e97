package playbook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed playbooks.schema.json
var schemaJSON string

var documentSchema = jsonschema.MustCompileString("playbooks.schema.json", schemaJSON)

type document struct {
	CustomPlaybooks []rawPlaybook `yaml:"customPlaybooks"`
}

type rawPlaybook struct {
	Name     string                 `yaml:"name"`
	Triggers []map[string]yaml.Node `yaml:"triggers"`
	Actions  []map[string]yaml.Node `yaml:"actions"`
}

// LoadFile reads and parses a playbook document from disk.
func LoadFile(path string) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbooks file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a customPlaybooks document and builds the playbooks in
// document order. Any invalid entry rejects the whole document.
func Parse(data []byte) ([]*Playbook, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Kind: KindSchemaViolation, Playbook: -1, Item: -1, Msg: err.Error()}
	}

	out := make([]*Playbook, 0, len(doc.CustomPlaybooks))
	for i, rp := range doc.CustomPlaybooks {
		pb := &Playbook{Index: i, Name: rp.Name}
		for j, item := range rp.Triggers {
			t, err := buildTrigger(item)
			if err != nil {
				return nil, wrapFieldError(KindInvalidTrigger, i, j, err)
			}
			pb.Triggers = append(pb.Triggers, t)
		}
		for j, item := range rp.Actions {
			a, err := buildAction(item)
			if err != nil {
				return nil, wrapFieldError(KindInvalidAction, i, j, err)
			}
			pb.Actions = append(pb.Actions, a)
		}
		if len(pb.Triggers) == 0 {
			return nil, &ConfigError{Kind: KindInvalidTrigger, Playbook: i, Item: -1, Field: "triggers", Msg: "at least one trigger is required"}
		}
		if len(pb.Actions) == 0 {
			return nil, &ConfigError{Kind: KindInvalidAction, Playbook: i, Item: -1, Field: "actions", Msg: "at least one action is required"}
		}
		out = append(out, pb)
	}
	return out, nil
}

func buildTrigger(item map[string]yaml.Node) (Trigger, error) {
	if len(item) != 1 {
		return nil, fieldErr("", "exactly one trigger kind expected, got %d", len(item))
	}
	for tag, node := range item {
		parse, ok := lookupTrigger(tag)
		if !ok {
			return nil, fieldErr(tag, "unknown trigger kind (known: %s)", triggerTags())
		}
		return parse(&node)
	}
	return nil, nil
}

func buildAction(item map[string]yaml.Node) (Action, error) {
	if len(item) != 1 {
		return nil, fieldErr("", "exactly one action kind expected, got %d", len(item))
	}
	for tag, node := range item {
		parse, ok := lookupAction(tag)
		if !ok {
			return nil, fieldErr(tag, "unknown action kind (known: %s)", actionTags())
		}
		return parse(&node)
	}
	return nil, nil
}

func wrapFieldError(kind ErrorKind, playbook, item int, err error) error {
	var fe *fieldError
	if errors.As(err, &fe) {
		return &ConfigError{Kind: kind, Playbook: playbook, Item: item, Field: fe.field, Msg: fe.msg}
	}
	return &ConfigError{Kind: kind, Playbook: playbook, Item: item, Msg: err.Error()}
}

func validateSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &ConfigError{Kind: KindSchemaViolation, Playbook: -1, Item: -1, Msg: "invalid YAML: " + err.Error()}
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return &ConfigError{Kind: KindSchemaViolation, Playbook: -1, Item: -1, Msg: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return &ConfigError{Kind: KindSchemaViolation, Playbook: -1, Item: -1, Msg: err.Error()}
	}
	if err := documentSchema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return &ConfigError{Kind: KindSchemaViolation, Playbook: -1, Item: -1, Msg: err.Error()}
		}
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		playbook, field := splitInstanceLocation(ve.InstanceLocation)
		return &ConfigError{Kind: KindSchemaViolation, Playbook: playbook, Item: -1, Field: field, Msg: ve.Message}
	}
	return nil
}

// splitInstanceLocation turns "/customPlaybooks/1/actions/0/run_job_from_alert"
// into (1, "actions[0].run_job_from_alert").
func splitInstanceLocation(loc string) (int, string) {
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	if len(parts) == 0 || parts[0] != "customPlaybooks" {
		return -1, strings.Trim(loc, "/")
	}
	playbook := -1
	rest := parts[1:]
	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[0]); err == nil {
			playbook = n
			rest = rest[1:]
		}
	}
	var b strings.Builder
	for _, p := range rest {
		if _, err := strconv.Atoi(p); err == nil {
			b.WriteString("[" + p + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return playbook, b.String()
}
