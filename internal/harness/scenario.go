package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports a scenario can run over.
const (
	TransportMemory = "memory" // devices call the replica directly
	TransportHTTP   = "http"   // devices go through the relay server and client
)

// DefaultTimeout bounds each await and the final assertions.
const DefaultTimeout = 3 * time.Second

// Scenario is a multi-device sync scenario.
//
// Every device gets its own database and reconciler. All devices share one
// replica and one partition. Steps run in order; await steps block until
// their assertions hold.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices lists device ids. Each is started, in order, before the steps.
	Devices []string `yaml:"devices"`

	// Partition is the shared partition id.
	Partition string `yaml:"partition"`

	// Transport is "memory" (default) or "http".
	Transport string `yaml:"transport,omitempty"`

	// Schema is an optional CUE schema path, relative to the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// SnapshotEvery sets the store snapshot cadence. Zero keeps the default.
	SnapshotEvery int `yaml:"snapshot_every,omitempty"`

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one action field is set.
type Step struct {
	// Device selects the device for put, delete, offline, online, restart
	// and snapshot.
	Device string `yaml:"device,omitempty"`

	Put     *PutStep   `yaml:"put,omitempty"`
	Delete  *RecordRef `yaml:"delete,omitempty"`
	Offline bool       `yaml:"offline,omitempty"`
	Online  bool       `yaml:"online,omitempty"`
	Restart bool       `yaml:"restart,omitempty"`

	// Snapshot takes a snapshot on the device now.
	Snapshot bool `yaml:"snapshot,omitempty"`

	// Remote is "down" or "up".
	Remote string `yaml:"remote,omitempty"`

	// FailPushes rejects every push of the listed record ids until
	// ClearFaults.
	FailPushes  []string `yaml:"fail_pushes,omitempty"`
	ClearFaults bool     `yaml:"clear_faults,omitempty"`

	// DropSubscriptions ends every realtime subscription on the replica.
	DropSubscriptions bool `yaml:"drop_subscriptions,omitempty"`

	// Await blocks until all assertions hold or the timeout expires.
	Await []Assertion `yaml:"await,omitempty"`

	// ExpectError is the error code a put or delete must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// RecordRef names one record.
type RecordRef struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

// PutStep is a local put.
type PutStep struct {
	RecordRef `yaml:",inline"`
	Data      map[string]any `yaml:"data"`
}

// Assertion checks device, replica or push state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Device     string         `yaml:"device,omitempty"`
	RecordType string         `yaml:"record_type,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Table      string         `yaml:"table,omitempty"`
	Expect     map[string]any `yaml:"expect,omitempty"` // subset match
	IDs        []string       `yaml:"ids,omitempty"`
	Status     string         `yaml:"status,omitempty"`
	Seq        *int64         `yaml:"seq,omitempty"`
	Count      *int64         `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord         = "record"          // device record matches expect
	AssertAbsent         = "absent"          // device has no such record
	AssertRemoteRow      = "remote_row"      // replica row matches expect
	AssertRemoteAbsent   = "remote_absent"   // replica has no such row
	AssertPushOrder      = "push_order"      // ids pushed to table, in order
	AssertConverged      = "converged"       // every device holds the same state
	AssertStatus         = "status"          // device sync status
	AssertPushedThrough  = "pushed_through"  // device cursor equals seq
	AssertJournalEntries = "journal_entries" // device journal entry count
)

// LoadScenario reads and parses a scenario YAML file. The schema path is
// resolved relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func (s *Scenario) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Partition == "" {
		return fmt.Errorf("partition is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	for i, d := range s.Devices {
		if d == "" {
			return fmt.Errorf("devices[%d]: empty device id", i)
		}
		if slices.Index(s.Devices, d) != i {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d)
		}
	}
	switch s.Transport {
	case "", TransportMemory, TransportHTTP:
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); err != nil {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := s.validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := s.validateAssertion(fmt.Sprintf("assertions[%d]", i), &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) validateStep(i int, st *Step) error {
	where := fmt.Sprintf("steps[%d]", i)

	actions := 0
	count := func(set bool) {
		if set {
			actions++
		}
	}
	count(st.Put != nil)
	count(st.Delete != nil)
	count(st.Offline)
	count(st.Online)
	count(st.Restart)
	count(st.Snapshot)
	count(st.Remote != "")
	count(len(st.FailPushes) > 0)
	count(st.ClearFaults)
	count(st.DropSubscriptions)
	count(len(st.Await) > 0)
	if actions != 1 {
		return fmt.Errorf("%s: exactly one action is required, got %d", where, actions)
	}

	needsDevice := st.Put != nil || st.Delete != nil || st.Offline || st.Online || st.Restart || st.Snapshot
	if needsDevice && !slices.Contains(s.Devices, st.Device) {
		return fmt.Errorf("%s: unknown device %q", where, st.Device)
	}
	if st.ExpectError != "" && st.Put == nil && st.Delete == nil {
		return fmt.Errorf("%s: expect_error only applies to put and delete", where)
	}

	switch {
	case st.Put != nil:
		if st.Put.Type == "" || st.Put.ID == "" {
			return fmt.Errorf("%s.put: type and id are required", where)
		}
		if st.Put.Data == nil {
			return fmt.Errorf("%s.put: data is required (use empty map if no fields)", where)
		}
	case st.Delete != nil:
		if st.Delete.Type == "" || st.Delete.ID == "" {
			return fmt.Errorf("%s.delete: type and id are required", where)
		}
	case st.Remote != "":
		if st.Remote != "down" && st.Remote != "up" {
			return fmt.Errorf("%s: remote must be \"down\" or \"up\", got %q", where, st.Remote)
		}
	}

	for j := range st.Await {
		if err := s.validateAssertion(fmt.Sprintf("%s.await[%d]", where, j), &st.Await[j]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func (s *Scenario) validateAssertion(where string, a *Assertion) error {
	needDevice := func() error {
		if !slices.Contains(s.Devices, a.Device) {
			return fmt.Errorf("%s: unknown device %q", where, a.Device)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("%s: type is required", where)
	case AssertRecord, AssertAbsent:
		if err := needDevice(); err != nil {
			return err
		}
		if a.RecordType == "" || a.ID == "" {
			return fmt.Errorf("%s: record_type and id are required for %s", where, a.Type)
		}
		if a.Type == AssertRecord && a.Expect == nil {
			return fmt.Errorf("%s: expect is required for record", where)
		}
	case AssertRemoteRow, AssertRemoteAbsent:
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("%s: table and id are required for %s", where, a.Type)
		}
		if a.Type == AssertRemoteRow && a.Expect == nil {
			return fmt.Errorf("%s: expect is required for remote_row", where)
		}
	case AssertPushOrder:
		if a.Table == "" {
			return fmt.Errorf("%s: table is required for push_order", where)
		}
		if a.Device != "" {
			if err := needDevice(); err != nil {
				return err
			}
		}
	case AssertConverged:
	case AssertStatus:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Status == "" {
			return fmt.Errorf("%s: status is required", where)
		}
	case AssertPushedThrough:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Seq == nil {
			return fmt.Errorf("%s: seq is required for pushed_through", where)
		}
	case AssertJournalEntries:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Count == nil {
			return fmt.Errorf("%s: count is required for journal_entries", where)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
	return nil
}
