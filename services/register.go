package services

import (
	"github.com/keelframework/keel/service"
)

// descriptors returns the built-in service catalogue with its standard
// phases: storage first, clients and watchers on top of it, outbound
// integrations last.
func descriptors() []service.Descriptor {
	return []service.Descriptor{
		{Name: StorageName, Phase: 1, Construct: NewStorage},
		{Name: AIName, Phase: 2, Requires: []string{StorageName}, Construct: NewAI},
		{Name: WatcherName, Phase: 2, Construct: NewWatcher},
		{Name: WebhookName, Phase: 3, Construct: NewWebhook},
		{Name: NotifierName, Phase: 3, Optional: true, Construct: NewNotifier},
	}
}

// RegisterConfigured registers every built-in service that has a block in
// the configuration's services section. Unconfigured services are skipped,
// so a deployment runs exactly what its config names.
func RegisterConfigured(m *service.Manager) error {
	cfg := m.Dependencies().Config
	for _, desc := range descriptors() {
		raw, ok := cfg.Services[desc.Name]
		if !ok {
			continue
		}
		desc.Config = raw
		if err := m.Register(desc); err != nil {
			return err
		}
	}
	return nil
}
