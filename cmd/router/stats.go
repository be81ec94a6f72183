package main

import (
	"sort"
	"time"

	"github.com/matst80/peerlink/internal/registry"
	"github.com/matst80/peerlink/internal/router"
)

// Stats represents current router state for the dashboard and API.
type Stats struct {
	Servers      int                  `json:"servers"`
	Sessions     int                  `json:"sessions"`
	Connections  int                  `json:"connections"`
	BytesRelayed uint64               `json:"bytes_relayed"`
	ServerList   []registry.Info      `json:"server_list"`
	SessionList  []router.SessionInfo `json:"session_list"`
	Now          string               `json:"now"`
}

func collectStats(rt *router.Router, reg *registry.Registry) Stats {
	servers := reg.Snapshot()
	sessions := rt.Sessions()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return Stats{
		Servers:      len(servers),
		Sessions:     len(sessions),
		Connections:  rt.Connections(),
		BytesRelayed: rt.BytesRelayed(),
		ServerList:   servers,
		SessionList:  sessions,
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Servers":      s.Servers,
		"Sessions":     s.Sessions,
		"Connections":  s.Connections,
		"BytesRelayed": s.BytesRelayed,
		"ServerList":   s.ServerList,
		"SessionList":  s.SessionList,
	}
}
