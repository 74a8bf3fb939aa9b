package memory

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lifestream/lifestream-backend/internal/domain"
)

// UnknownSpeakerName is used for diarized speakers with no registry entry.
const UnknownSpeakerName = "Unidentified speaker"

// SpeakerRegistry resolves diarization tags like "speaker_1" to known people.
// Backed by a YAML file; missing file means an empty registry, which is valid.
type SpeakerRegistry struct {
	mu       sync.RWMutex
	speakers map[string]RegisteredSpeaker
}

type RegisteredSpeaker struct {
	DisplayName string `yaml:"display_name"`
	Role        string `yaml:"role"`
}

type registryFile struct {
	Speakers map[string]RegisteredSpeaker `yaml:"speakers"`
}

func LoadSpeakerRegistry(path string) (*SpeakerRegistry, error) {
	r := &SpeakerRegistry{speakers: map[string]RegisteredSpeaker{}}
	if strings.TrimSpace(path) == "" {
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read speaker registry %q: %w", path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse speaker registry %q: %w", path, err)
	}
	for id, sp := range f.Speakers {
		id = strings.TrimSpace(id)
		if id == "" || strings.TrimSpace(sp.DisplayName) == "" {
			continue
		}
		r.speakers[id] = sp
	}
	return r, nil
}

// Resolve returns the participant for a speaker id, falling back to the
// unidentified placeholder so summaries never show raw diarization tags as
// names.
func (r *SpeakerRegistry) Resolve(speakerID string) domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	speakerID = strings.TrimSpace(speakerID)
	if sp, ok := r.speakers[speakerID]; ok {
		return domain.Participant{
			SpeakerID:   speakerID,
			DisplayName: sp.DisplayName,
			Role:        sp.Role,
		}
	}
	return domain.Participant{
		SpeakerID:   speakerID,
		DisplayName: UnknownSpeakerName,
	}
}

func (r *SpeakerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.speakers)
}
