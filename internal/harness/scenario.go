package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/formcore/internal/config"
)

// DefaultDomain is used by scenarios that do not name one.
const DefaultDomain = "harness"

// Scenario is a sequence of steps and the state expected afterwards.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Domain defaults to DefaultDomain.
	Domain string `yaml:"domain,omitempty"`

	// Policy overrides the domain's processing switches.
	Policy *config.DomainConfig `yaml:"policy,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`

	// dir resolves relative submission files.
	dir string
}

// Step is one operation. Exactly one of Submit, Archive, Unarchive and
// CaseAPI is set.
type Step struct {
	Submit *SubmitStep `yaml:"submit,omitempty"`

	// Archive and Unarchive name a form id.
	Archive   string `yaml:"archive,omitempty"`
	Unarchive string `yaml:"unarchive,omitempty"`

	// CaseAPI is a case API payload: an object or a bulk list.
	CaseAPI any `yaml:"case_api,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// SubmitStep is a form submission given inline or as a file.
type SubmitStep struct {
	XML  string `yaml:"xml,omitempty"`
	File string `yaml:"file,omitempty"`

	// Attachments maps attachment names to their text content.
	Attachments map[string]string `yaml:"attachments,omitempty"`
}

// Expect checks a step's outcome. Only the fields set are compared.
type Expect struct {
	Outcome  string   `yaml:"outcome,omitempty"`
	State    string   `yaml:"state,omitempty"`
	Code     string   `yaml:"code,omitempty"`
	Created  []string `yaml:"created,omitempty"`
	Cascaded []string `yaml:"cascaded,omitempty"`

	// Error must be a substring of the step's error text.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	Type string `yaml:"type"`

	Case string `yaml:"case,omitempty"`
	Form string `yaml:"form,omitempty"`

	// Expect holds field values (case_state, form_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Types lists transaction types in server order (transactions).
	Types []string `yaml:"types,omitempty"`

	// Count is the expected number of transactions or trace events.
	Count *int `yaml:"count,omitempty"`

	// Outcome filters trace events (trace_count).
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion types.
const (
	AssertCaseState    = "case_state"
	AssertCaseAbsent   = "case_absent"
	AssertFormState    = "form_state"
	AssertTransactions = "transactions"
	AssertTraceCount   = "trace_count"
)

// LoadScenario reads a scenario file. Unknown keys are rejected so typos
// fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	for i, step := range s.Steps {
		if step.Submit == nil || step.Submit.File == "" {
			continue
		}
		if _, err := os.Stat(s.resolve(step.Submit.File)); err != nil {
			return nil, fmt.Errorf("%s: steps[%d]: %w", path, i, err)
		}
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML. Relative submission
// files resolve against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if s.Domain == "" {
		s.Domain = DefaultDomain
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func (s *Scenario) resolve(path string) string {
	if filepath.IsAbs(path) || s.dir == "" {
		return path
	}
	return filepath.Join(s.dir, path)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		n := 0
		if step.Submit != nil {
			n++
			if (step.Submit.XML == "") == (step.Submit.File == "") {
				return fmt.Errorf("steps[%d]: submit needs exactly one of xml and file", i)
			}
		}
		if step.Archive != "" {
			n++
		}
		if step.Unarchive != "" {
			n++
		}
		if step.CaseAPI != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("steps[%d]: exactly one of submit, archive, unarchive and case_api is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertCaseState:
		if a.Case == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: case and expect are required for case_state", i)
		}
	case AssertCaseAbsent:
		if a.Case == "" {
			return fmt.Errorf("assertions[%d]: case is required for case_absent", i)
		}
	case AssertFormState:
		if a.Form == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: form and expect are required for form_state", i)
		}
	case AssertTransactions:
		if a.Case == "" {
			return fmt.Errorf("assertions[%d]: case is required for transactions", i)
		}
		if a.Types == nil && a.Count == nil {
			return fmt.Errorf("assertions[%d]: types or count is required for transactions", i)
		}
	case AssertTraceCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for trace_count", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
