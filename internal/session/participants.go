package session

import (
	"sort"

	"github.com/ljdmx/SilentLink/internal/media"
)

// Participant ids. Exactly two seats exist; the remote one is
// materialized on the first evidence of the peer (connection, track
// arrival, or privacy update) and removed when its connection closes.
const (
	LocalParticipantID  = "local"
	RemoteParticipantID = "remote"
)

// Participant is one side of the call as the UI should render it.
type Participant struct {
	ID           string
	DisplayName  string
	Local        bool
	AudioEnabled bool
	VideoEnabled bool
	Filter       media.Filter
}

// upsert merges a mutation into the participant with the given id,
// creating it on first sight. Every mutation source goes through here;
// fields arriving from different goroutines merge instead of
// overwriting each other. Returns the post-mutation snapshot.
func (s *Session) upsert(id string, mutate func(*Participant)) []Participant {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		p = &Participant{
			ID:           id,
			Local:        id == LocalParticipantID,
			AudioEnabled: true,
			Filter:       media.FilterNone,
		}
		s.participants[id] = p
	}
	mutate(p)
	return s.snapshotLocked()
}

func (s *Session) removeParticipant(id string) []Participant {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	delete(s.participants, id)
	return s.snapshotLocked()
}

// Participants returns a snapshot of the roster, local seat first.
func (s *Session) Participants() []Participant {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) localParticipant() Participant {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if p, ok := s.participants[LocalParticipantID]; ok {
		return *p
	}
	return Participant{ID: LocalParticipantID, Local: true}
}

func (s *Session) snapshotLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Local != out[j].Local {
			return out[i].Local
		}
		return out[i].ID < out[j].ID
	})
	return out
}
