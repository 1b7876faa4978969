package models

import (
	"time"
)

type MachineStatus string

const (
	MachineAvailable MachineStatus = "available"
	MachineReserved  MachineStatus = "reserved"
	MachineAssigned  MachineStatus = "assigned"
)

// Machine is one pre-existing VM in the workload pool.
// Status is available exactly when JobID is nil.
type Machine struct {
	ID       int64         `json:"id"`
	Address  string        `json:"address"`
	Name     string        `json:"name"`
	Status   MachineStatus `json:"status"`
	JobID    *int64        `json:"job_id,omitempty"`
	OwnerTag *string       `json:"owner_tag,omitempty"`
	Occupant *string       `json:"occupant,omitempty"`
}

type JobStatus string

const (
	JobConfiguring JobStatus = "CONFIGURING"
	JobCompleted   JobStatus = "COMPLETED"
	JobFailed      JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type Job struct {
	ID          int64      `json:"id"`
	ServiceName string     `json:"service_name"`
	Status      JobStatus  `json:"status"`
	AssignedIPs string     `json:"assigned_ip"`
	Template    string     `json:"template_type"`
	Owner       string     `json:"owner"`
	CreatedAt   time.Time  `json:"created_at"`
	Details     JobDetails `json:"details"`
}

// JobDetails is the opaque payload persisted with a job.
type JobDetails struct {
	Config   map[string]any `json:"config"`
	Infra    map[string]any `json:"infra"`
	Packages []string       `json:"packages"`
	VMNames  []string       `json:"vm_names"`
	Roles    HostRoles      `json:"roles"`
}

type HostRoles struct {
	LoadBalancers []string `json:"lb_hosts"`
	Apps          []string `json:"web_hosts"`
	Databases     []string `json:"db_hosts"`
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	TokenHash string `json:"-"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
