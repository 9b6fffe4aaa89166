package provision

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Subnet tag filters used for placement.
const (
	TagStackName   = "aws:cloudformation:stack-name"
	TagApplication = "Application"
)

// EC2API is the subset of the EC2 client used by EC2.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2 provisions instances with Amazon EC2.
type EC2 struct {
	api EC2API
}

// NewEC2 creates an EC2 provisioner from the default AWS credential chain.
func NewEC2(ctx context.Context, region, endpoint string) (*EC2, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewEC2WithAPI(client), nil
}

// NewEC2WithAPI wraps an existing client.
func NewEC2WithAPI(api EC2API) *EC2 {
	return &EC2{api: api}
}

// ResolvePlacement looks up the security group by name and the single subnet
// tagged with the stack and application.
func (e *EC2) ResolvePlacement(ctx context.Context, q PlacementQuery) (Placement, error) {
	groups, err := e.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{q.SecurityGroup}},
		},
	})
	if err != nil {
		return Placement{}, fmt.Errorf("describe security groups: %w", err)
	}
	if n := len(groups.SecurityGroups); n != 1 {
		return Placement{}, fmt.Errorf("%w: security group %q matched %d", ErrPlacementAmbiguous, q.SecurityGroup, n)
	}

	subnets, err := e.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + TagStackName), Values: []string{q.StackName}},
			{Name: aws.String("tag:" + TagApplication), Values: []string{q.Application}},
		},
	})
	if err != nil {
		return Placement{}, fmt.Errorf("describe subnets: %w", err)
	}
	if n := len(subnets.Subnets); n != 1 {
		return Placement{}, fmt.Errorf("%w: expected 1 %s subnet in stack %q, got %d", ErrPlacementAmbiguous, q.Application, q.StackName, n)
	}

	return Placement{
		SecurityGroupID: aws.ToString(groups.SecurityGroups[0].GroupId),
		SubnetID:        aws.ToString(subnets.Subnets[0].SubnetId),
	}, nil
}

// Launch runs exactly one instance.
func (e *EC2) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	in := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{spec.Placement.SecurityGroupID},
		SubnetId:         aws.String(spec.Placement.SubnetID),
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
	}
	if spec.KeyName != "" {
		in.KeyName = aws.String(spec.KeyName)
	}
	if spec.RoleName != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.RoleName)}
	}
	if len(spec.Tags) > 0 {
		in.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags(spec.Tags),
		}}
	}

	out, err := e.api.RunInstances(ctx, in)
	if err != nil {
		return Instance{}, fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return Instance{}, fmt.Errorf("run instances: no instance returned")
	}

	inst := out.Instances[0]
	return Instance{
		ID:        aws.ToString(inst.InstanceId),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
	}, nil
}

// Terminate terminates the instance.
func (e *EC2) Terminate(ctx context.Context, instanceID string) error {
	_, err := e.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	return nil
}

func tags(m map[string]string) []types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}
