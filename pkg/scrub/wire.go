package scrub

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// replyVersion is the archive version ScrubReply carries, named after
// BOOST_CLASS_VERSION(scrubbing::ScrubReply, 2) in the source this
// wire format is grounded on; it guards against a future field
// addition silently misparsing an old reply.
const replyVersion = 2

// ScrubReply is the object a scrub run publishes to the backend and a
// volume later reads by name to apply (§4.6, §6 "ScrubReply wire").
type ScrubReply struct {
	Version         int    `yaml:"version"`
	Namespace       string `yaml:"namespace"`
	SnapshotName    string `yaml:"snapshot_name"`
	ScrubResultName string `yaml:"scrub_result_name"`
}

// NewScrubReply builds a reply pointing at the backend object named
// scrubResultName, which holds the actual RelocationLog/TLogRewrite/
// Garbage payload.
func NewScrubReply(namespace, snapshotName, scrubResultName string) ScrubReply {
	return ScrubReply{
		Version:         replyVersion,
		Namespace:       namespace,
		SnapshotName:    snapshotName,
		ScrubResultName: scrubResultName,
	}
}

// Marshal serializes r to the wire string format stored under
// scrub_result_<uuid> (§6: "serialized scrub reply payload").
func (r ScrubReply) Marshal() (string, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("scrub: marshal ScrubReply: %w", err)
	}
	return string(out), nil
}

// ParseScrubReply parses the wire string format back into a
// ScrubReply, rejecting anything not of the version this code knows
// how to apply.
func ParseScrubReply(s string) (ScrubReply, error) {
	var r ScrubReply
	if err := yaml.Unmarshal([]byte(s), &r); err != nil {
		return ScrubReply{}, fmt.Errorf("scrub: unmarshal ScrubReply: %w", err)
	}
	if r.Version != replyVersion {
		return ScrubReply{}, fmt.Errorf("scrub: ScrubReply version %d unsupported, want %d", r.Version, replyVersion)
	}
	return r, nil
}
