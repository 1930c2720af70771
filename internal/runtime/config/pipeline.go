package config

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline declares resource profiles and channels. It is validated as a
// whole before the microservice starts.
type Pipeline struct {
	ResourceProfiles []ResourceProfile `yaml:"resource_profiles"`
	Channels         []Channel         `yaml:"channels"`
}

// ResourceProfile declares a shared capacity limit. A zero limit is
// unlimited; a positive rate adds a token bucket.
type ResourceProfile struct {
	Name          string  `yaml:"name"`
	Limit         int64   `yaml:"limit"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Channel declares a channel and how it maps onto the transport.
type Channel struct {
	ID string `yaml:"id"`
	// Direction is "incoming" or "outgoing".
	Direction string `yaml:"direction"`
	// Topic is the transport topic; it defaults to the channel id.
	Topic            string      `yaml:"topic"`
	Partitions       []Partition `yaml:"partitions"`
	Profiles         []string    `yaml:"profiles"`
	InternalOnly     bool        `yaml:"internal_only"`
	AutosetPartition bool        `yaml:"autoset_partition"`
}

// TopicOrID returns the transport topic of the channel.
func (c Channel) TopicOrID() string {
	if c.Topic != "" {
		return c.Topic
	}
	return c.ID
}

// Partition declares a priority partition. Ceiling zero means no ceiling.
type Partition struct {
	Priority int `yaml:"priority"`
	Ceiling  int `yaml:"ceiling"`
}

func (p Pipeline) validate() []error {
	var errs []error

	profiles := make(map[string]struct{}, len(p.ResourceProfiles))
	for i, rp := range p.ResourceProfiles {
		switch {
		case rp.Name == "":
			errs = append(errs, fmt.Errorf("pipeline: resource profile %d has no name", i))
			continue
		case rp.Limit < 0:
			errs = append(errs, fmt.Errorf("pipeline: resource profile %q limit cannot be negative", rp.Name))
		case rp.RatePerSecond < 0 || rp.Burst < 0:
			errs = append(errs, fmt.Errorf("pipeline: resource profile %q rate cannot be negative", rp.Name))
		}
		if _, dup := profiles[rp.Name]; dup {
			errs = append(errs, fmt.Errorf("pipeline: duplicate resource profile %q", rp.Name))
		}
		profiles[rp.Name] = struct{}{}
	}

	channels := make(map[string]struct{}, len(p.Channels))
	for i, ch := range p.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("pipeline: channel %d has no id", i))
			continue
		}
		if _, dup := channels[ch.ID]; dup {
			errs = append(errs, fmt.Errorf("pipeline: duplicate channel %q", ch.ID))
		}
		channels[ch.ID] = struct{}{}

		switch strings.ToLower(ch.Direction) {
		case "incoming", "in", "outgoing", "out":
		default:
			errs = append(errs, fmt.Errorf("pipeline: channel %q has unknown direction %q", ch.ID, ch.Direction))
		}
		if ch.InternalOnly && ch.Topic != "" {
			errs = append(errs, fmt.Errorf("pipeline: internal channel %q cannot bind topic %q", ch.ID, ch.Topic))
		}

		priorities := make(map[int]struct{}, len(ch.Partitions))
		for _, part := range ch.Partitions {
			if part.Priority < 0 || part.Ceiling < 0 {
				errs = append(errs, fmt.Errorf("pipeline: channel %q partition %d: priority and ceiling must be non-negative", ch.ID, part.Priority))
				continue
			}
			if _, dup := priorities[part.Priority]; dup {
				errs = append(errs, fmt.Errorf("pipeline: channel %q has duplicate partition %d", ch.ID, part.Priority))
			}
			priorities[part.Priority] = struct{}{}
		}

		for _, name := range ch.Profiles {
			if _, ok := profiles[name]; !ok {
				errs = append(errs, fmt.Errorf("pipeline: channel %q references unknown resource profile %q", ch.ID, name))
			}
		}
	}
	return errs
}

// Validate checks the pipeline on its own.
func (p Pipeline) Validate() error {
	return errors.Join(p.validate()...)
}
