package app

import (
	"sort"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/transport"
)

// Level is a notification severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Workflow is the client's copy of a remote workflow.
type Workflow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	Running   bool   `json:"running,omitempty"`
	UpdatedMs int64  `json:"updated_ms,omitempty"`
}

// Notification is a transient user-visible message.
type Notification struct {
	ID    string `json:"id"`
	Level Level  `json:"level"`
	Text  string `json:"text"`
	AtMs  int64  `json:"at_ms"`
}

// ChatLine is one message received on a chat topic.
type ChatLine struct {
	From string `json:"from"`
	Text string `json:"text"`
	AtMs int64  `json:"at_ms"`
}

// State is the application state owned by the store. Fields tagged "-" are
// runtime only and never persisted.
type State struct {
	Connection      transport.State `json:"-"`
	ConnectionError string          `json:"-"`
	AuthRequired    bool            `json:"-"`

	Topics    []string              `json:"topics"`
	Workflows map[string]*Workflow  `json:"workflows"`
	CurrentID string                `json:"current_workflow,omitempty"`
	Chat      map[string][]ChatLine `json:"chat,omitempty"`

	// FetchSeq holds the latest sequence number issued per resource.
	FetchSeq      map[string]uint64 `json:"-"`
	Notifications []Notification    `json:"-"`

	LastModified int64 `json:"last_modified"`
	dirty        bool
}

// NewState returns an empty state.
func NewState() *State {
	s := &State{}
	s.ensure()
	return s
}

// Restore decodes a saved snapshot in either snapshot format. An empty
// snapshot yields a fresh state.
func Restore(snapshot []byte) (*State, error) {
	s := NewState()
	if len(snapshot) == 0 {
		return s, nil
	}
	if err := decoderFor(snapshot)(snapshot, s); err != nil {
		return nil, errors.WrapInvalid(err, "State", "Restore", "decode snapshot")
	}
	s.ensure()
	sort.Strings(s.Topics)
	return s, nil
}

// ensure initialises maps left nil by a decoded snapshot.
func (s *State) ensure() {
	if s.Workflows == nil {
		s.Workflows = make(map[string]*Workflow)
	}
	if s.Chat == nil {
		s.Chat = make(map[string][]ChatLine)
	}
	if s.FetchSeq == nil {
		s.FetchSeq = make(map[string]uint64)
	}
}

// TakeDirty implements engine.Persistable.
func (s *State) TakeDirty() bool {
	d := s.dirty
	s.dirty = false
	return d
}

// Touch implements engine.Persistable.
func (s *State) Touch(ms int64) { s.LastModified = ms }

func (s *State) markDirty() { s.dirty = true }

func (s *State) hasTopic(topic string) bool {
	i := sort.SearchStrings(s.Topics, topic)
	return i < len(s.Topics) && s.Topics[i] == topic
}

func (s *State) addTopic(topic string) bool {
	i := sort.SearchStrings(s.Topics, topic)
	if i < len(s.Topics) && s.Topics[i] == topic {
		return false
	}
	s.Topics = append(s.Topics, "")
	copy(s.Topics[i+1:], s.Topics[i:])
	s.Topics[i] = topic
	return true
}

func (s *State) removeTopic(topic string) bool {
	i := sort.SearchStrings(s.Topics, topic)
	if i >= len(s.Topics) || s.Topics[i] != topic {
		return false
	}
	s.Topics = append(s.Topics[:i], s.Topics[i+1:]...)
	return true
}

// nextSeq issues a new sequence number for resource.
func (s *State) nextSeq(resource string) uint64 {
	s.FetchSeq[resource]++
	return s.FetchSeq[resource]
}

// current reports whether seq is the latest issued for resource.
func (s *State) current(resource string, seq uint64) bool {
	return s.FetchSeq[resource] == seq
}
