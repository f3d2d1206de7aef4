package brokers

import (
	"fmt"
	"sort"

	logger "github.com/sirupsen/logrus"
)

// Registry resolves broker implementations and their token settings by
// broker id. It is built once at startup; an unknown broker id afterwards is
// a configuration error, never a dynamic lookup miss.
type Registry struct {
	brokers  map[string]Broker
	settings map[string]TokenSettings
}

// NewRegistry builds the closed broker registry. Every registered broker must
// have token settings; a missing entry fails construction so the gap surfaces
// at startup rather than on the first refresh.
func NewRegistry(impls []Broker, settings map[string]TokenSettings) (*Registry, error) {
	brokers := make(map[string]Broker, len(impls))
	for _, b := range impls {
		if _, dup := brokers[b.ID()]; dup {
			return nil, fmt.Errorf("broker %q registered twice", b.ID())
		}
		if _, ok := settings[b.ID()]; !ok {
			return nil, fmt.Errorf("no token settings configured for broker %q", b.ID())
		}
		brokers[b.ID()] = b
	}

	logger.WithField("brokers", registeredIDs(brokers)).Info("Broker registry initialized")

	return &Registry{brokers: brokers, settings: settings}, nil
}

// Broker returns the implementation for a broker id.
func (r *Registry) Broker(brokerID string) (Broker, error) {
	b, ok := r.brokers[brokerID]
	if !ok {
		return nil, fmt.Errorf("unknown broker id %q", brokerID)
	}
	return b, nil
}

// TokenSettings returns the refresh policy for a broker id.
func (r *Registry) TokenSettings(brokerID string) (TokenSettings, error) {
	s, ok := r.settings[brokerID]
	if !ok {
		return TokenSettings{}, fmt.Errorf("no token settings for broker id %q", brokerID)
	}
	return s, nil
}

// IDs returns the registered broker ids, sorted.
func (r *Registry) IDs() []string {
	return registeredIDs(r.brokers)
}

func registeredIDs(brokers map[string]Broker) []string {
	ids := make([]string, 0, len(brokers))
	for id := range brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
