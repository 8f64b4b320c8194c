// Package types holds the data model shared across the router: service
// definitions, relay identities, jobs, upload sessions, and the overlay
// wire schema.
package types

// ServiceDefinition is immutable configuration for one fronted local
// service: speech recognition, text-to-speech, the LLM proxy, the
// headless-browser controller, the context server, or the depth engine.
type ServiceDefinition struct {
	Name          string   `json:"name"`
	TargetURL     string   `json:"target_url"`
	Aliases       []string `json:"aliases,omitempty"`
	WhitelistPort []int    `json:"whitelist_ports"`
	LogFile       string   `json:"log_file,omitempty"`
	DefaultStream bool     `json:"default_stream,omitempty"`
}

// MatchesName reports whether name equals the service's canonical name
// or one of its aliases.
func (s ServiceDefinition) MatchesName(name string) bool {
	if name == s.Name {
		return true
	}
	for _, a := range s.Aliases {
		if a == name {
			return true
		}
	}
	return false
}
