// ABOUTME: TUI update helpers for server
// ABOUTME: Snapshots the roster and counters for the status display
package server

// updateTUI sends current server state to TUI
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}
	s.tui.Update(s.status())
}

func (s *Server) status() ServerStatus {
	s.clientsMu.RLock()
	infos := s.roster.infos()
	s.clientsMu.RUnlock()

	rows := make([]ClientRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, ClientRow{
			ID:    info.ClientID,
			Name:  info.Name,
			Codec: info.Codec.Codec.String(),
			Rooms: info.Rooms,
		})
	}

	return ServerStatus{
		Name:         s.config.Name,
		Port:         s.config.Port,
		Session:      s.session,
		Clients:      rows,
		Relayed:      s.metrics.relayed(),
		WrongSession: counterValue(s.metrics.WrongSession),
		Malformed:    counterValue(s.metrics.Malformed),
	}
}
