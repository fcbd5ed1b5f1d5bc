package model

import (
	"fmt"
	"strconv"
	"time"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentQueued     DeploymentStatus = "QUEUED"
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentCompleted  DeploymentStatus = "COMPLETED"
	DeploymentFailed     DeploymentStatus = "FAILED"
)

var TerminalStatuses = []DeploymentStatus{DeploymentCompleted, DeploymentFailed}

func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

func (s DeploymentStatus) IsValid() bool {
	switch s {
	case DeploymentQueued, DeploymentInProgress, DeploymentCompleted, DeploymentFailed:
		return true
	}
	return false
}

// Cluster is a pool of compute owned by a single organization.
type Cluster struct {
	Id             int64
	Name           string
	OrganizationId int64
	// Total capacity. Availability is always derived from this and the allocations bound to the cluster.
	Total      Resources
	IsDeleted  bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (c *Cluster) String() string {
	return fmt.Sprintf("<Cluster> %d %s", c.Id, c.Name)
}

// Deployment is a workload requesting a fixed quantity of resources on a cluster.
type Deployment struct {
	Id int64
	// Higher values are scheduled first
	Priority  int32
	Required  Resources
	ClusterId int64
	ImagePath string
	Status    DeploymentStatus
	QueuedAt  time.Time
	// Set when an allocation is made for the deployment.
	StartedAt *time.Time
	// Set once the deployment has reached a terminal state and its resources have been released.
	CompletedAt *time.Time
	IsDeleted   bool
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

func (d *Deployment) String() string {
	return fmt.Sprintf("<Deployment> %d - %s", d.Id, d.Status)
}

// QueueKey is the identifier of the deployment in the priority queue.
func (d *Deployment) QueueKey() string {
	return strconv.FormatInt(d.Id, 10)
}

// QueueScore is the priority queue sort key. It is the negated priority so that ascending order yields
// the highest priority first.
func (d *Deployment) QueueScore() float64 {
	return -float64(d.Priority)
}

// IsCleaned returns true once the cleanup sweep has finalized the deployment.
func (d *Deployment) IsCleaned() bool {
	return d.CompletedAt != nil
}

func (d *Deployment) DeepCopy() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	if d.StartedAt != nil {
		t := *d.StartedAt
		c.StartedAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ResourceAllocation binds a deployment to a cluster. Its existence is the capacity reservation.
type ResourceAllocation struct {
	Id           int64
	ClusterId    int64
	DeploymentId int64
	Allocated    Resources
	AllocatedAt  time.Time
}

func (a *ResourceAllocation) String() string {
	return fmt.Sprintf("<ResourceAllocation> %d", a.Id)
}

// ParseQueueKey converts a priority queue member back into a deployment id.
func ParseQueueKey(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}
