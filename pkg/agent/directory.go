package agent

import (
	"strings"
	"sync"

	"github.com/andino-labs/callbridge/pkg/core"
)

// DefaultRegion is the fallback entry used when a region code has no profile.
// The original deployment served Argentine callers first, so unknown codes
// resolve to the AR persona rather than failing call setup. This is a policy
// choice, not a bug: revisit before expanding to regions where an Argentine
// greeting would be surprising.
const DefaultRegion = "AR"

// Profile describes a conversational-AI persona bound to a region. Immutable
// once resolved for a session: a session's agent never changes mid-call.
type Profile struct {
	AgentID     string `json:"agent_id" mapstructure:"agent_id"`
	Name        string `json:"name" mapstructure:"name"`
	Language    string `json:"language" mapstructure:"language"`
	Persona     string `json:"persona" mapstructure:"persona"`
	CountryCode string `json:"country_code" mapstructure:"country_code"`
	// APIKey optionally overrides the process-wide agent credential.
	APIKey string `json:"-" mapstructure:"api_key"`
}

// Directory maps region codes to agent profiles. Lookups never fail: unknown
// codes resolve to the designated default profile.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	fallback string
}

// NewDirectory creates a directory seeded with the built-in profile table.
func NewDirectory() *Directory {
	d := &Directory{
		profiles: make(map[string]Profile, len(builtinProfiles)),
		fallback: DefaultRegion,
	}
	for code, p := range builtinProfiles {
		p.CountryCode = code
		d.profiles[code] = p
	}
	return d
}

// Resolve returns the profile for a region code, case-insensitively. Unknown
// or empty codes resolve to the default profile; callers never see an error.
func (d *Directory) Resolve(code string) Profile {
	key := strings.ToUpper(strings.TrimSpace(code))

	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.profiles[key]; ok {
		return p
	}
	return d.profiles[d.fallback]
}

// ResolveByLanguage returns the first profile whose language tag matches
// case-insensitively. A missing match is a legitimate absence, not an error.
func (d *Directory) ResolveByLanguage(tag string) (Profile, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return Profile{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	// Check the default first so ties resolve deterministically.
	if p, ok := d.profiles[d.fallback]; ok && strings.ToLower(p.Language) == tag {
		return p, true
	}
	for code, p := range d.profiles {
		if code == d.fallback {
			continue
		}
		if strings.ToLower(p.Language) == tag {
			return p, true
		}
	}
	return Profile{}, false
}

// Register adds or replaces the profile for a region code after validating
// required fields.
func (d *Directory) Register(code string, p Profile) error {
	key := strings.ToUpper(strings.TrimSpace(code))
	if key == "" {
		return core.NewValidationError("missing required field", "country_code")
	}
	if err := validateProfile(p); err != nil {
		return err
	}
	p.CountryCode = key

	d.mu.Lock()
	d.profiles[key] = p
	d.mu.Unlock()
	return nil
}

// Profiles returns a snapshot of all registered profiles keyed by region code.
func (d *Directory) Profiles() map[string]Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Profile, len(d.profiles))
	for code, p := range d.profiles {
		out[code] = p
	}
	return out
}

// replaceAll swaps the whole table atomically. Used by the config loader so a
// reload is either fully applied or not at all.
func (d *Directory) replaceAll(profiles map[string]Profile) {
	d.mu.Lock()
	d.profiles = profiles
	d.mu.Unlock()
}

func validateProfile(p Profile) error {
	if strings.TrimSpace(p.AgentID) == "" {
		return core.NewValidationError("missing required field", "agent_id")
	}
	if strings.TrimSpace(p.Name) == "" {
		return core.NewValidationError("missing required field", "name")
	}
	if strings.TrimSpace(p.Language) == "" {
		return core.NewValidationError("missing required field", "language")
	}
	if strings.TrimSpace(p.Persona) == "" {
		return core.NewValidationError("missing required field", "persona")
	}
	return nil
}

// builtinProfiles is the shipped region table. A config file may extend or
// override it at startup (see LoadFile).
var builtinProfiles = map[string]Profile{
	"AR": {
		AgentID:  "agent_3601k52aw9jmej0a61svgk2hm0t1",
		Name:     "Agente Porteño",
		Language: "es-AR",
		Persona:  "Sos un asistente argentino copado. Usá 'che', 'bárbaro'. Sé cordial y profesional.",
	},
	"AR_CBA": {
		AgentID:  "agent_4201k59pp9k7epq8t6pq5n79b9k1",
		Name:     "Agente Cordobés",
		Language: "es-AR",
		Persona:  "Sos un asistente cordobés muy copado. Usá 'qué tal', 'todo joya'. Sé amigable y relajado.",
	},
	"MX": {
		AgentID:  "agent_3601k52b7a5nff29cgwj04h3m0xt",
		Name:     "Agente Mexicano",
		Language: "es-MX",
		Persona:  "Eres un asistente amigable mexicano. Usa expresiones como 'qué onda', 'órale', 'sale'. Sé cálido y servicial.",
	},
	"CO": {
		AgentID:  "agent_2201k52bqy0bff2ag591exhzjaxf",
		Name:     "Agente Colombiana",
		Language: "es-CO",
		Persona:  "Eres una asistente colombiana amigable. Usa expresiones como 'parcero', 'qué más', 'bacano'. Sé cálida y servicial.",
	},
	"MENDOCINO": {
		AgentID:  "agent_7601k57zdzznesfrwpf8hfpemjvf",
		Name:     "Mendocino",
		Language: "es-AR",
		Persona:  "[Persona is configured on the agent service side; this field is informational only]",
	},
}
