// Package config loads the implementation declaration file and owns the
// built-in test case registry. Implementations are declared by the operator
// in YAML; test cases are compiled in because their semantics are coupled to
// the validation code.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

const (
	kib = 1 << 10
	mib = 1 << 20
)

// Registry returns the built-in test cases in canonical order. The slice is
// freshly allocated on every call; callers may filter it in place.
func Registry() []model.TestCase {
	interop := func(id string) model.TestCase {
		return model.TestCase{
			ID:          id,
			Category:    spec.CategoryInterop,
			Check:       id,
			Timeout:     spec.DefaultTestTimeout,
			Repetitions: 1,
			Profile:     "sat",
			FileSize:    1 * kib,
			FileCount:   1,
		}
	}
	tcs := []model.TestCase{
		interop("handshake"),
		interop("transfer"),
		interop("versionnegotiation"),
		interop("retry"),
		interop("resumption"),
		interop("zerortt"),
		interop("keyupdate"),
		interop("multiplexing"),
		interop("amplificationlimit"),
		interop("rebind-addr"),
		interop("blackhole"),
		{
			ID:          "goodput",
			Category:    spec.CategoryMeasurement,
			Check:       "transfer",
			Timeout:     4 * time.Minute,
			Repetitions: 3,
			Profile:     "sat",
			FileSize:    10 * mib,
			FileCount:   1,
		},
		{
			ID:          "goodputloss",
			Category:    spec.CategoryMeasurement,
			Check:       "transfer",
			Timeout:     4 * time.Minute,
			Repetitions: 3,
			Profile:     "satloss",
			FileSize:    10 * mib,
			FileCount:   1,
		},
	}

	// A couple of cases deviate from the interop template.
	for i := range tcs {
		switch tcs[i].ID {
		case "transfer":
			tcs[i].FileSize = 1 * mib
			tcs[i].FileCount = 3
		case "multiplexing":
			tcs[i].FileSize = 2 * kib
			tcs[i].FileCount = 10
		case "resumption", "zerortt":
			tcs[i].FileCount = 2
		case "blackhole":
			tcs[i].FileSize = 5 * mib
			tcs[i].Timeout = 3 * time.Minute
		}
	}
	return tcs
}

type implFile struct {
	Implementations []model.Implementation `yaml:"implementations"`
}

// LoadImplementations reads the implementation declaration file.
func LoadImplementations(path string) ([]model.Implementation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading implementations file: %w", err)
	}
	var f implFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(f.Implementations) == 0 {
		return nil, fmt.Errorf("%s declares no implementations", path)
	}
	seen := map[string]bool{}
	for i := range f.Implementations {
		impl := &f.Implementations[i]
		if impl.Name == "" || impl.Image == "" {
			return nil, fmt.Errorf("%s: implementation %d needs name and image", path, i)
		}
		if seen[impl.Name] {
			return nil, fmt.Errorf("%s: duplicate implementation %q", path, impl.Name)
		}
		seen[impl.Name] = true
		switch impl.Role {
		case model.RoleClient, model.RoleServer, model.RoleBoth:
		case "":
			impl.Role = model.RoleBoth
		default:
			return nil, fmt.Errorf("%s: implementation %q has unknown role %q",
				path, impl.Name, impl.Role)
		}
	}
	return f.Implementations, nil
}

// FilterImplementations keeps only the named implementations, in declaration
// order. An empty selection keeps everything; an unknown name is an error so
// that a typo does not silently shrink the matrix.
func FilterImplementations(impls []model.Implementation, names []string) ([]model.Implementation, error) {
	if len(names) == 0 {
		return impls, nil
	}
	byName := map[string]bool{}
	for _, n := range names {
		byName[n] = true
	}
	var out []model.Implementation
	for _, impl := range impls {
		if byName[impl.Name] {
			out = append(out, impl)
			delete(byName, impl.Name)
		}
	}
	for n := range byName {
		return nil, fmt.Errorf("unknown implementation %q", n)
	}
	return out, nil
}

// FilterTests keeps only the named test cases, in registry order. Same
// contract as FilterImplementations.
func FilterTests(tests []model.TestCase, ids []string) ([]model.TestCase, error) {
	if len(ids) == 0 {
		return tests, nil
	}
	byID := map[string]bool{}
	for _, id := range ids {
		byID[id] = true
	}
	var out []model.TestCase
	for _, tc := range tests {
		if byID[tc.ID] {
			out = append(out, tc)
			delete(byID, tc.ID)
		}
	}
	for id := range byID {
		return nil, fmt.Errorf("unknown test case %q", id)
	}
	return out, nil
}
