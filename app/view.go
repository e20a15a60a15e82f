package app

import "context"

// UI receives snapshots from RunEffect commands. Implementations must not
// block and must not dispatch synchronously from Render.
type UI interface {
	Render(ctx context.Context, v View)
	Notify(ctx context.Context, n Notification)
}

// View is an immutable copy of the state a UI needs to draw itself.
type View struct {
	Connection      string
	ConnectionError string
	AuthRequired    bool
	Topics          []string
	Current         *Workflow
	Notifications   []Notification
	Chat            map[string][]ChatLine
}

func viewOf(s *State) View {
	v := View{
		Connection:      s.Connection.String(),
		ConnectionError: s.ConnectionError,
		AuthRequired:    s.AuthRequired,
		Topics:          append([]string(nil), s.Topics...),
		Notifications:   append([]Notification(nil), s.Notifications...),
		Chat:            make(map[string][]ChatLine, len(s.Chat)),
	}
	if wf, ok := s.Workflows[s.CurrentID]; ok {
		cp := *wf
		v.Current = &cp
	}
	for topic, lines := range s.Chat {
		v.Chat[topic] = append([]ChatLine(nil), lines...)
	}
	return v
}
