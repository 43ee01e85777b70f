package session

// PlayerSnapshot is the wire/directory representation of a player.
type PlayerSnapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Emote  Emote  `json:"emote"`
	Status Status `json:"status"`
	IsHost bool   `json:"is_host"`
}

// Player is one roster entry. The id is fixed at construction.
type Player struct {
	id      string
	name    string
	emote   Emote
	status  Status
	host    bool
	changed PlayerField

	observers notifier[*Player]
}

func NewPlayer(id, name string, host bool) *Player {
	return &Player{id: id, name: name, host: host}
}

func PlayerFromSnapshot(ps PlayerSnapshot) *Player {
	return &Player{
		id:     ps.ID,
		name:   ps.Name,
		emote:  ps.Emote,
		status: ps.Status,
		host:   ps.IsHost,
	}
}

func (p *Player) ID() string     { return p.id }
func (p *Player) Name() string   { return p.name }
func (p *Player) Emote() Emote   { return p.emote }
func (p *Player) Status() Status { return p.status }
func (p *Player) IsHost() bool   { return p.host }

// Changed returns the fields touched by the most recent mutation.
func (p *Player) Changed() PlayerField { return p.changed }

// Subscribe registers fn for every mutation of p and returns its unregister handle.
func (p *Player) Subscribe(fn func(*Player)) func() {
	return p.observers.subscribe(fn)
}

func (p *Player) SetName(name string) {
	if p.name == name {
		return
	}
	p.name = name
	p.commit(FieldName)
}

func (p *Player) SetEmote(emote Emote) {
	if p.emote == emote {
		return
	}
	p.emote = emote
	p.commit(FieldEmote)
}

func (p *Player) SetStatus(status Status) {
	if p.status == status {
		return
	}
	p.status = status
	p.commit(FieldStatus)
}

func (p *Player) SetHost(host bool) {
	if p.host == host {
		return
	}
	p.host = host
	p.commit(FieldHost)
}

func (p *Player) Snapshot() PlayerSnapshot {
	return PlayerSnapshot{
		ID:     p.id,
		Name:   p.name,
		Emote:  p.emote,
		Status: p.status,
		IsHost: p.host,
	}
}

// apply overwrites every field from remote except those in keep, and notifies once.
func (p *Player) apply(remote PlayerSnapshot, keep PlayerField) PlayerField {
	var changed PlayerField
	if keep&FieldName == 0 && p.name != remote.Name {
		p.name = remote.Name
		changed |= FieldName
	}
	if keep&FieldEmote == 0 && p.emote != remote.Emote {
		p.emote = remote.Emote
		changed |= FieldEmote
	}
	if keep&FieldStatus == 0 && p.status != remote.Status {
		p.status = remote.Status
		changed |= FieldStatus
	}
	if keep&FieldHost == 0 && p.host != remote.IsHost {
		p.host = remote.IsHost
		changed |= FieldHost
	}
	if changed != FieldNone {
		p.commit(changed)
	}
	return changed
}

func (p *Player) commit(fields PlayerField) {
	p.changed = fields
	p.observers.notify(p)
}
