package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "contestd API",
		Version:     "v1",
		Description: "Timed task issuance and submission intake for annotation contests",
		Endpoints: []endpointInfo{
			{"/api/v1/teams", []string{"POST"}, "Register a team and receive a token"},
			{"/api/v1/auth/token", []string{"POST"}, "Exchange team credentials for a token"},
			{"/api/v1/contest", []string{"GET"}, "Contest state and task totals"},
			{"/api/v1/task-format", []string{"GET"}, "Expected annotation format"},
			{"/api/v1/tasks", []string{"GET"}, "Tasks issued so far, in issue order"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single issued task"},
			{"/api/v1/submissions", []string{"GET", "POST"}, "Submit an annotation or list your own (Bearer token)"},
			{"/api/v1/admin/teams", []string{"GET"}, "List teams (X-Admin-Key)"},
			{"/api/v1/admin/teams/{name}/active", []string{"PUT"}, "Activate or deactivate a team (X-Admin-Key)"},
			{"/api/v1/admin/tick", []string{"POST"}, "Run one issuance step now (X-Admin-Key)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/ws?token=", []string{"GET"}, "Team message stream (WebSocket)"},
		},
	})
}
