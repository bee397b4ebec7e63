package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end sync test.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Collection is the collection under test. Defaults to "records".
	Collection string `yaml:"collection,omitempty"`

	// Backoff overrides the retry policy.
	Backoff *BackoffSpec `yaml:"backoff,omitempty"`

	// Freshness enables background re-fetching of reads older than it.
	Freshness string `yaml:"freshness,omitempty"`

	// Setup records exist on the remote before the flow starts.
	Setup []RemoteRecord `yaml:"setup,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// BackoffSpec is the YAML form of syncer.Backoff.
type BackoffSpec struct {
	Base        string  `yaml:"base"`
	Max         string  `yaml:"max"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxAttempts int     `yaml:"max_attempts"`
}

// RemoteRecord is a record seeded on the remote.
type RemoteRecord struct {
	ID      string         `yaml:"id"`
	Payload map[string]any `yaml:"payload"`
}

// FlowStep is one action in the flow.
type FlowStep struct {
	Do         string         `yaml:"do"`
	ID         string         `yaml:"id,omitempty"`
	Payload    map[string]any `yaml:"payload,omitempty"`
	Duration   string         `yaml:"duration,omitempty"`
	Resolution string         `yaml:"resolution,omitempty"`
	Count      int            `yaml:"count,omitempty"`
	Reason     string         `yaml:"reason,omitempty"`

	// Expect checks the step's outcome. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause describes the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected error kind; see errorKind.
	Error string `yaml:"error,omitempty"`

	// SyncState is checked against the record returned by put, get or resolve.
	SyncState string `yaml:"sync_state,omitempty"`

	// Payload is checked against the record returned by put, get or resolve.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Report is a subset of the sync report fields for sync and online.
	Report map[string]int `yaml:"report,omitempty"`
}

// Assertion validates final state or the trace.
type Assertion struct {
	Type       string         `yaml:"type"`
	ID         string         `yaml:"id,omitempty"`
	Expect     map[string]any `yaml:"expect,omitempty"`
	Event      string         `yaml:"event,omitempty"`
	Count      int            `yaml:"count,omitempty"`
	Events     []string       `yaml:"events,omitempty"`
	Operations []string       `yaml:"operations,omitempty"`
}

// Assertion types.
const (
	AssertRecord        = "record"
	AssertRecordMissing = "record_missing"
	AssertRemote        = "remote"
	AssertRemoteMissing = "remote_missing"
	AssertRemoteCalls   = "remote_calls"
	AssertTask          = "task"
	AssertNoTask        = "no_task"
	AssertConflict      = "conflict"
	AssertEventCount    = "event_count"
	AssertEventOrder    = "event_order"
)

// Flow step actions.
const (
	StepPut          = "put"
	StepDelete       = "delete"
	StepGet          = "get"
	StepPurge        = "purge"
	StepRefresh      = "refresh"
	StepSync         = "sync"
	StepSyncRecord   = "sync_record"
	StepOffline      = "offline"
	StepOnline       = "online"
	StepAdvance      = "advance"
	StepResolve      = "resolve"
	StepRemotePut    = "remote_put"
	StepRemoteDelete = "remote_delete"
	StepRemoteFail   = "remote_fail"
)

// idSteps need an id.
var idSteps = map[string]bool{
	StepPut: false, StepDelete: true, StepGet: true, StepPurge: true,
	StepRefresh: true, StepSyncRecord: true, StepResolve: true,
	StepRemotePut: true, StepRemoteDelete: true,
	StepSync: false, StepOnline: false, StepOffline: false,
	StepAdvance: false, StepRemoteFail: false,
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Freshness != "" {
		if _, err := time.ParseDuration(s.Freshness); err != nil {
			return fmt.Errorf("freshness: %w", err)
		}
	}
	if s.Backoff != nil {
		if _, err := time.ParseDuration(s.Backoff.Base); err != nil {
			return fmt.Errorf("backoff.base: %w", err)
		}
		if _, err := time.ParseDuration(s.Backoff.Max); err != nil {
			return fmt.Errorf("backoff.max: %w", err)
		}
	}

	for i, rec := range s.Setup {
		if rec.ID == "" || len(rec.Payload) == 0 {
			return fmt.Errorf("setup[%d]: id and payload are required", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *FlowStep) error {
	needsID, known := idSteps[step.Do]
	if !known {
		return fmt.Errorf("flow[%d]: unknown step %q", index, step.Do)
	}
	if needsID && step.ID == "" {
		return fmt.Errorf("flow[%d]: id is required for %s", index, step.Do)
	}

	switch step.Do {
	case StepPut, StepRemotePut:
		if len(step.Payload) == 0 {
			return fmt.Errorf("flow[%d]: payload is required for %s", index, step.Do)
		}
	case StepAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("flow[%d]: duration: %w", index, err)
		}
	case StepResolve:
		switch step.Resolution {
		case "keep_local", "keep_remote":
		case "merge":
			if len(step.Payload) == 0 {
				return fmt.Errorf("flow[%d]: merge resolution requires a payload", index)
			}
		default:
			return fmt.Errorf("flow[%d]: unknown resolution %q", index, step.Resolution)
		}
	case StepRemoteFail:
		if step.Count <= 0 {
			return fmt.Errorf("flow[%d]: count must be positive for remote_fail", index)
		}
	}

	if step.Expect != nil && step.Expect.Error != "" && !knownErrorKinds[step.Expect.Error] {
		return fmt.Errorf("flow[%d].expect: unknown error kind %q", index, step.Expect.Error)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRecord, AssertRemote, AssertTask, AssertConflict:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertRecordMissing, AssertRemoteMissing, AssertNoTask:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	case AssertRemoteCalls:
		if a.Operations == nil {
			return fmt.Errorf("assertions[%d]: operations list is required for remote_calls", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
