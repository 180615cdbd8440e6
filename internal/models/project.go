package models

// Project owns tasks and sessions through their ProjectID.
type Project struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDir"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// Clone returns a copy of p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

type CreateProjectRequest struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDir"`
}

type ProjectPatch struct {
	Name             *string `json:"name,omitempty"`
	WorkingDirectory *string `json:"workingDir,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status       string       `json:"status"`
	DB           ServiceCheck `json:"db"`
	ProjectCount int          `json:"projectCount"`
	TaskCount    int          `json:"taskCount"`
	SessionCount int          `json:"sessionCount"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
