package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"ghost/internal/ghosterr"
	"ghost/internal/model"
)

// manifest is the on-disk shape of one app's registration file,
// one JSON manifest per app directly under the configured apps
// directory.
type manifest struct {
	Id               string            `json:"id"`
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	Version          string            `json:"version"`
	ExecutablePath   string            `json:"executablePath"`
	Arguments        []string          `json:"arguments"`
	WorkingDirectory string            `json:"workingDirectory"`
	Environment      map[string]string `json:"environment"`
	Configuration    map[string]string `json:"configuration"`
	Tier             string            `json:"tier"`
}

// scanManifests reads every *.json file directly under dir and returns
// the registrations they describe, sorted by Id for deterministic
// discovery order. A missing apps directory is not an error: a fresh
// install has nothing to discover yet.
func scanManifests(dir string) ([]model.ProcessRegistration, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: read apps directory: %w", ghosterr.ErrManifestInvalid, err)
	}

	var regs []model.ProcessRegistration

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		reg, err := parseManifest(path)
		if err != nil {
			return nil, err
		}

		regs = append(regs, reg)
	}

	sort.Slice(regs, func(i, j int) bool { return regs[i].Id < regs[j].Id })

	return regs, nil
}

func parseManifest(path string) (model.ProcessRegistration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.ProcessRegistration{}, fmt.Errorf("%w: read %s: %w", ghosterr.ErrManifestInvalid, path, err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.ProcessRegistration{}, fmt.Errorf("%w: parse %s: %w", ghosterr.ErrManifestInvalid, path, err)
	}

	if m.Id == "" || m.ExecutablePath == "" {
		return model.ProcessRegistration{}, fmt.Errorf("%w: %s missing id or executablePath", ghosterr.ErrManifestInvalid, path)
	}

	typ := model.TypeApp
	if m.Type != "" {
		typ = model.ProcessType(m.Type)
	}

	return model.ProcessRegistration{
		Id:               m.Id,
		Name:             m.Name,
		Type:             typ,
		Version:          m.Version,
		ExecutablePath:   m.ExecutablePath,
		Arguments:        m.Arguments,
		WorkingDirectory: m.WorkingDirectory,
		Environment:      m.Environment,
		Configuration:    m.Configuration,
		Tier:             m.Tier,
	}, nil
}
