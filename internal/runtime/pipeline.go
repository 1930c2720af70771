package runtime

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	configpkg "github.com/drblury/taskflow/internal/runtime/config"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
)

// ApplyPipeline creates the resource profiles and channels declared in pl.
// Profiles are created first so channels can claim them by name. Every
// problem is returned and kept for Start.
func (m *Microservice) ApplyPipeline(pl configpkg.Pipeline) error {
	if err := pl.Validate(); err != nil {
		return m.record(err)
	}

	var errs []error
	for _, rp := range pl.ResourceProfiles {
		var opts []resourcepkg.Option
		if rp.RatePerSecond > 0 {
			opts = append(opts, resourcepkg.WithRate(rate.Limit(rp.RatePerSecond), rp.Burst))
		}
		p, err := resourcepkg.NewProfile(rp.Name, rp.Limit, opts...)
		if err != nil {
			errs = append(errs, m.record(err))
			continue
		}
		if err := m.AddResourceProfile(p); err != nil {
			errs = append(errs, err)
		}
	}

	for _, c := range pl.Channels {
		cfg, err := m.channelConfig(c)
		if err != nil {
			errs = append(errs, m.record(err))
			continue
		}
		if _, err := m.AddChannel(cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		if !c.InternalOnly {
			m.mu.Lock()
			m.topics[c.ID] = c.TopicOrID()
			m.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (m *Microservice) channelConfig(c configpkg.Channel) (channelpkg.Config, error) {
	direction, err := channelpkg.ParseDirection(strings.ToLower(c.Direction))
	if err != nil {
		return channelpkg.Config{}, fmt.Errorf("channel %q: %w", c.ID, err)
	}
	profiles, err := m.resources.Resolve(c.Profiles...)
	if err != nil {
		return channelpkg.Config{}, fmt.Errorf("channel %q: %w", c.ID, err)
	}
	partitions := make([]channelpkg.PartitionConfig, 0, len(c.Partitions))
	for _, p := range c.Partitions {
		partitions = append(partitions, channelpkg.PartitionConfig{Priority: p.Priority, Ceiling: p.Ceiling})
	}
	return channelpkg.Config{
		ID:               c.ID,
		Direction:        direction,
		Partitions:       partitions,
		Profiles:         profiles,
		InternalOnly:     c.InternalOnly,
		AutosetPartition: c.AutosetPartition,
	}, nil
}

// Topic returns the transport topic bound to a channel.
func (m *Microservice) Topic(channelID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if topic, ok := m.topics[channelID]; ok {
		return topic
	}
	return channelID
}
