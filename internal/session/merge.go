package session

// Merge reconciles a directory snapshot into the model.
//
// Timestamped fields (state, filter, relay code) keep the local value only when the
// local timestamp is strictly newer; otherwise value and timestamp are adopted.
// Every other session field is overwritten. The roster is diffed: remote-only players
// are added, local-only players removed, and shared players merged field by field.
// Subscribers see a single notification.
func (s *Session) Merge(remote Snapshot, opts MergeOptions) {
	s.Batch(func() {
		s.SetID(remote.ID)
		s.SetJoinCode(remote.JoinCode)
		s.SetName(remote.Name)
		s.SetPrivate(remote.Private)
		s.SetMaxPlayers(remote.MaxPlayers)
		s.SetHostID(remote.HostID)

		if !(s.stateEdit > remote.StateEdit) {
			if s.state != remote.State {
				s.dirty = true
			}
			s.state = remote.State
			s.stateEdit = remote.StateEdit
		}
		if !(s.filterEdit > remote.FilterEdit) {
			if s.filter != remote.Filter {
				s.dirty = true
			}
			s.filter = remote.Filter
			s.filterEdit = remote.FilterEdit
		}
		if !(s.relayCodeEdit > remote.RelayCodeEdit) {
			if s.relayCode != remote.RelayCode {
				s.dirty = true
			}
			s.relayCode = remote.RelayCode
			s.relayCodeEdit = remote.RelayCodeEdit
		}

		s.mergeRoster(remote.Players, opts)
	})
}

func (s *Session) mergeRoster(remote []PlayerSnapshot, opts MergeOptions) {
	seen := make(map[string]struct{}, len(remote))
	for _, rp := range remote {
		if rp.ID == "" {
			continue
		}
		seen[rp.ID] = struct{}{}

		if local, ok := s.players[rp.ID]; ok {
			keep := FieldNone
			if local == s.local {
				keep = opts.LocalPending
			}
			local.apply(rp, keep)
			continue
		}

		if s.local != nil && rp.ID == s.local.id {
			// the local player re-enters the roster with its own record
			s.local.apply(rp, opts.LocalPending)
			s.attach(s.local)
		} else {
			s.attach(PlayerFromSnapshot(rp))
		}
		s.dirty = true
	}

	for id := range s.players {
		if _, ok := seen[id]; !ok {
			s.detach(id)
			s.dirty = true
		}
	}
}
