package model

// StartSandboxRequest is the body of POST /sandbox/start.
type StartSandboxRequest struct {
	ID                string           `json:"id" binding:"required"`
	Tools             []string         `json:"tools"`
	ComputeResources  ComputeResources `json:"compute_resources"`
	AttachedDatabases []DatabaseAccess `json:"attached_databases"`
}

// Spec converts the request into a SandboxSpec.
func (r StartSandboxRequest) Spec() SandboxSpec {
	return SandboxSpec{
		ID:        r.ID,
		Tools:     r.Tools,
		Resources: r.ComputeResources,
		Databases: r.AttachedDatabases,
	}
}

type StartSandboxResponse struct {
	SandboxURL  string `json:"sandbox_url"`
	AccessToken string `json:"access_token"`
}

type StopSandboxRequest struct {
	ID string `json:"id" binding:"required"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// StartGroupRequest is the body of POST /group/start.
type StartGroupRequest struct {
	DatabaseAccess   []DatabaseAccess      `json:"database_access"`
	PopulationConfig string                `json:"initial_database_population_config"`
	ComputeResources ComputeResources      `json:"compute_resources"`
	Sandboxes        []StartSandboxRequest `json:"sandboxes"`
}

// GroupResult aggregates a fan-out over group members.
type GroupResult struct {
	Status    string                          `json:"status"`
	Started   map[string]StartSandboxResponse `json:"started,omitempty"`
	Succeeded []string                        `json:"succeeded,omitempty"`
	Failed    map[string]string               `json:"failed,omitempty"`
}

type GroupStatus struct {
	ID               string           `json:"id"`
	Active           bool             `json:"active"`
	DefaultResources ComputeResources `json:"default_compute_resources"`
	DatabaseAccess   []DatabaseAccess `json:"database_access,omitempty"`
	Sandboxes        []SandboxStatus  `json:"sandboxes"`
}

type AdjustRequest struct {
	ID         string  `json:"id"`
	Multiplier float64 `json:"multiplier"`
}

type AdjustResponse struct {
	ID        string           `json:"id"`
	Resources ComputeResources `json:"compute_resources"`
}

// ResourceSummary reports ledger accounting in absolute units.
type ResourceSummary struct {
	Capacity     ComputeResources `json:"capacity"`
	Committed    ComputeResources `json:"committed"`
	Available    ComputeResources `json:"available"`
	Reservations int              `json:"reservations"`
}

// UsageSample is one resource usage measurement of a sandbox instance.
type UsageSample = ComputeResources

// ActionRequest is one entry of the /execute actions map.
type ActionRequest struct {
	Description string         `json:"description"`
	Args        map[string]any `json:"args"`
}

// Observation is the result of one executed action.
type Observation struct {
	Stdout               string `json:"stdout"`
	Stderr               string `json:"stderr"`
	TerminalStillRunning bool   `json:"terminal_still_running"`
}

// NamedAction is one action of an execute request.
type NamedAction struct {
	Name string
	ActionRequest
}

// ExecuteRequest is the body of POST /execute. Actions keep the order of the request body.
type ExecuteRequest struct {
	Actions ActionList `json:"actions"`
}

type ExecuteResponse struct {
	Observations []Observation `json:"observations"`
}

// ToolDescriptor describes a callable tool function.
type ToolDescriptor struct {
	Name      string `json:"name"`
	Module    string `json:"module"`
	Signature string `json:"signature"`
}
