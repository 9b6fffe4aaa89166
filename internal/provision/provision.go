// Package provision resolves instance placement and launches or terminates
// the compute instance of a run.
package provision

import (
	"context"
	"errors"
)

// ErrPlacementAmbiguous is returned when a placement lookup does not match
// exactly one security group or subnet.
var ErrPlacementAmbiguous = errors.New("placement lookup did not match exactly one resource")

// PlacementQuery names the network placement of an instance.
type PlacementQuery struct {
	SecurityGroup string // security group name
	StackName     string // value of the aws:cloudformation:stack-name subnet tag
	Application   string // value of the Application subnet tag
}

// Placement is a resolved PlacementQuery.
type Placement struct {
	SecurityGroupID string
	SubnetID        string
}

// LaunchSpec describes the instance to launch.
type LaunchSpec struct {
	Placement    Placement
	ImageID      string
	InstanceType string
	KeyName      string
	RoleName     string // IAM instance profile name
	UserData     string // plain text; encoded by the provisioner
	Tags         map[string]string
}

// Instance identifies a launched instance.
type Instance struct {
	ID        string
	PrivateIP string
}

// Provisioner is the compute provider used by a run.
type Provisioner interface {
	ResolvePlacement(ctx context.Context, q PlacementQuery) (Placement, error)
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
	Terminate(ctx context.Context, instanceID string) error
}
