package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/projecteka/gateway/contracts"
)

// File is the on-disk registry layout. Consent managers and bridges get their
// role from the section they are listed in; generic participants name it.
type File struct {
	ConsentManagers []Entry `yaml:"consentManagers"`
	Bridges         []Entry `yaml:"bridges"`
	Participants    []Entry `yaml:"participants"`
}

// Entry is one participant in a registry file
type Entry struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role,omitempty"`
	URL         string `yaml:"url"`
	CallbackURL string `yaml:"callbackUrl,omitempty"`
	Active      *bool  `yaml:"active,omitempty"`
}

// Static is an in-memory registry built from a File. It is safe for
// concurrent use and can be swapped wholesale with Replace.
type Static struct {
	mu           sync.RWMutex
	participants map[string]contracts.Participant
}

// NewStatic creates a registry from already resolved participants
func NewStatic(participants ...contracts.Participant) *Static {
	s := &Static{participants: make(map[string]contracts.Participant, len(participants))}
	for _, p := range participants {
		s.participants[p.ID] = p
	}
	return s
}

// LoadFile reads and validates a registry YAML file
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates registry YAML
func Parse(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	participants, err := f.Flatten()
	if err != nil {
		return nil, err
	}
	return NewStatic(participants...), nil
}

// Flatten validates every section and merges them. All problems are reported
// together.
func (f File) Flatten() ([]contracts.Participant, error) {
	var (
		out  []contracts.Participant
		errs []error
		seen = make(map[string]bool)
	)

	add := func(section string, i int, e Entry, role contracts.Role) {
		p, err := e.participant(role)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", section, i, err))
			return
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("%s[%d]: duplicate participant id %q", section, i, p.ID))
			return
		}
		seen[p.ID] = true
		out = append(out, p)
	}

	for i, e := range f.ConsentManagers {
		add("consentManagers", i, e, contracts.RoleConsentManager)
	}
	for i, e := range f.Bridges {
		add("bridges", i, e, contracts.RoleBridge)
	}
	for i, e := range f.Participants {
		add("participants", i, e, "")
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (e Entry) participant(role contracts.Role) (contracts.Participant, error) {
	if e.ID == "" {
		return contracts.Participant{}, errors.New("id is required")
	}

	if role == "" {
		r, err := contracts.ParseRole(e.Role)
		if err != nil {
			return contracts.Participant{}, fmt.Errorf("%s: %w", e.ID, err)
		}
		role = r
	}

	if err := checkURL(e.URL); err != nil {
		return contracts.Participant{}, fmt.Errorf("%s: url: %w", e.ID, err)
	}
	if e.CallbackURL != "" {
		if err := checkURL(e.CallbackURL); err != nil {
			return contracts.Participant{}, fmt.Errorf("%s: callbackUrl: %w", e.ID, err)
		}
	}

	active := true
	if e.Active != nil {
		active = *e.Active
	}

	return contracts.Participant{
		ID:          e.ID,
		Role:        role,
		BaseURL:     e.URL,
		CallbackURL: e.CallbackURL,
		Active:      active,
	}, nil
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Resolve implements Registry
func (s *Static) Resolve(_ context.Context, id string) (contracts.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return contracts.Participant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Replace swaps the registry contents
func (s *Static) Replace(other *Static) {
	other.mu.RLock()
	participants := other.participants
	other.mu.RUnlock()

	s.mu.Lock()
	s.participants = participants
	s.mu.Unlock()
}

// IDs returns every participant id in sorted order
func (s *Static) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of participants
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}
