package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

// EC2Config configures the EC2 Fleet client.
type EC2Config struct {
	Logger *slog.Logger
	Region string
	// Timeout bounds every individual API call so one hung request cannot
	// stall a whole tick.
	Timeout time.Duration
}

// ec2API is the slice of the EC2 SDK surface the client depends on, so tests
// can fake paginated responses.
type ec2API interface {
	DescribeFleets(ctx context.Context, params *ec2.DescribeFleetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFleetsOutput, error)
	DescribeFleetInstances(ctx context.Context, params *ec2.DescribeFleetInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFleetInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	ModifyFleet(ctx context.Context, params *ec2.ModifyFleetInput, optFns ...func(*ec2.Options)) (*ec2.ModifyFleetOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeFleetHistory(ctx context.Context, params *ec2.DescribeFleetHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFleetHistoryOutput, error)
}

// EC2Client implements Client against EC2 Fleets (DescribeFleets,
// DescribeFleetInstances, ModifyFleet, TerminateInstances,
// DescribeFleetHistory).
type EC2Client struct {
	api     ec2API
	log     *slog.Logger
	timeout time.Duration
}

// EC2Client implements Client
var _ Client = (*EC2Client)(nil)

func NewEC2Client(ctx context.Context, config EC2Config) (*EC2Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &EC2Client{
		api:     ec2.NewFromConfig(cfg),
		log:     config.Logger,
		timeout: config.Timeout,
	}, nil
}

func (c *EC2Client) ListInstances(ctx context.Context, fleetID string) (Snapshot, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	fleets, err := c.api.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: []string{fleetID}})
	if err != nil {
		return Snapshot{}, classify("describe fleet "+fleetID, err)
	}
	if len(fleets.Fleets) == 0 {
		return Snapshot{}, fmt.Errorf("describe fleet %s: %w", fleetID, ErrFleetNotFound)
	}

	snapshot := Snapshot{FleetID: fleetID}
	if spec := fleets.Fleets[0].TargetCapacitySpecification; spec != nil && spec.TotalTargetCapacity != nil {
		snapshot.TargetCapacity = int(*spec.TotalTargetCapacity)
	}

	// A fleet can span several result pages; a missed page would make its
	// members look like lost instances.
	var ids []string
	var token *string
	for {
		members, err := c.api.DescribeFleetInstances(ctx, &ec2.DescribeFleetInstancesInput{FleetId: aws.String(fleetID), NextToken: token})
		if err != nil {
			return Snapshot{}, classify("describe fleet instances "+fleetID, err)
		}
		ids = append(ids, lo.FilterMap(members.ActiveInstances, func(ai types.ActiveInstance, _ int) (string, bool) {
			return aws.ToString(ai.InstanceId), ai.InstanceId != nil
		})...)
		if token = members.NextToken; token == nil {
			break
		}
	}
	if len(ids) == 0 {
		return snapshot, nil
	}

	token = nil
	for {
		described, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids, NextToken: token})
		if err != nil {
			return Snapshot{}, classify("describe instances of fleet "+fleetID, err)
		}

		for _, reservation := range described.Reservations {
			for _, instance := range reservation.Instances {
				member := Instance{
					ID:             aws.ToString(instance.InstanceId),
					PurchaseOption: PurchaseOnDemand,
					PrivateIP:      aws.ToString(instance.PrivateIpAddress),
					LaunchedAt:     aws.ToTime(instance.LaunchTime),
				}
				if instance.State != nil {
					member.State = string(instance.State.Name)
				}
				if instance.InstanceLifecycle == types.InstanceLifecycleTypeSpot {
					member.PurchaseOption = PurchaseSpot
				}
				snapshot.Instances = append(snapshot.Instances, member)
			}
		}

		if token = described.NextToken; token == nil {
			break
		}
	}

	return snapshot, nil
}

func (c *EC2Client) Resize(ctx context.Context, fleetID string, target int) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	c.log.Info("Resizing fleet", "fleet", fleetID, "target", target)
	_, err := c.api.ModifyFleet(ctx, &ec2.ModifyFleetInput{
		FleetId: aws.String(fleetID),
		TargetCapacitySpecification: &types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity: aws.Int32(int32(target)),
		},
	})
	return classify("modify fleet "+fleetID, err)
}

func (c *EC2Client) Terminate(ctx context.Context, fleetID string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	c.log.Info("Terminating instances", "fleet", fleetID, "instances", instanceIDs)
	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})

	// Termination is best-effort: instances that already disappeared are fine.
	var ae smithy.APIError
	if errors.As(err, &ae) && strings.HasPrefix(ae.ErrorCode(), "InvalidInstanceID") {
		c.log.Debug("Some instances were already gone", "fleet", fleetID, "code", ae.ErrorCode())
		return nil
	}
	return classify("terminate instances of fleet "+fleetID, err)
}

func (c *EC2Client) RecentErrors(ctx context.Context, fleetID string, since time.Duration) ([]Event, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	startTime := aws.Time(time.Now().Add(-since))

	var events []Event
	var token *string
	for {
		history, err := c.api.DescribeFleetHistory(ctx, &ec2.DescribeFleetHistoryInput{
			FleetId:   aws.String(fleetID),
			StartTime: startTime,
			NextToken: token,
		})
		if err != nil {
			return nil, classify("describe fleet history "+fleetID, err)
		}

		for _, record := range history.HistoryRecords {
			if record.EventInformation == nil || record.EventInformation.EventSubType == nil {
				continue
			}
			events = append(events, Event{
				Timestamp: aws.ToTime(record.Timestamp),
				Code:      aws.ToString(record.EventInformation.EventSubType),
				Message:   aws.ToString(record.EventInformation.EventDescription),
			})
		}

		if token = history.NextToken; token == nil {
			break
		}
	}
	return events, nil
}

func (c *EC2Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps raw SDK failures onto the package's sentinel errors so the
// loop can tell "retry next tick" from "misconfigured node group".
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		switch {
		case strings.HasPrefix(code, "InvalidFleetId"):
			return fmt.Errorf("%s: %w (%s)", op, ErrFleetNotFound, code)
		case code == "RequestLimitExceeded" || code == "Throttling" ||
			code == "RequestThrottled" || code == "ServiceUnavailable":
			return fmt.Errorf("%s: %w (%s)", op, ErrProviderUnavailable, code)
		}
		return fmt.Errorf("%s: %s: %s", op, code, ae.ErrorMessage())
	}

	return fmt.Errorf("%s: %w", op, err)
}
