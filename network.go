package serverlesslamp

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Network holds the networking resources the constructs are placed into.
// Callers can build one with NewNetwork or supply their own; the library
// never modifies a supplied network.
type Network struct {
	Vpc            *ec2.Vpc
	PublicSubnets  []*ec2.Subnet
	PrivateSubnets []*ec2.Subnet
}

// PublicSubnetIDs returns the IDs of the public subnets.
func (n *Network) PublicSubnetIDs() pulumi.StringArray {
	ids := make(pulumi.StringArray, 0, len(n.PublicSubnets))
	for _, s := range n.PublicSubnets {
		ids = append(ids, s.ID().ToStringOutput())
	}
	return ids
}

// PrivateSubnetIDs returns the IDs of the private subnets.
func (n *Network) PrivateSubnetIDs() pulumi.StringArray {
	ids := make(pulumi.StringArray, 0, len(n.PrivateSubnets))
	for _, s := range n.PrivateSubnets {
		ids = append(ids, s.ID().ToStringOutput())
	}
	return ids
}

// NewNetwork creates the default VPC used when the caller does not bring
// their own: a public and a private subnet in up to three availability
// zones, with a single NAT gateway for private egress.
func NewNetwork(ctx *pulumi.Context, name string) (*Network, error) {
	// Create VPC
	vpc, err := ec2.NewVpc(ctx, name, &ec2.VpcArgs{
		CidrBlock:          pulumi.String("10.0.0.0/16"),
		EnableDnsSupport:   pulumi.Bool(true),
		EnableDnsHostnames: pulumi.Bool(true),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(name),
		},
	})
	if err != nil {
		return nil, err
	}

	azs, err := aws.GetAvailabilityZones(ctx, &aws.GetAvailabilityZonesArgs{
		State: pulumi.StringRef("available"),
	})
	if err != nil {
		return nil, err
	}
	names := azs.Names
	if len(names) > 3 {
		names = names[:3]
	}

	// Create Internet Gateway
	igw, err := ec2.NewInternetGateway(ctx, fmt.Sprintf("%s-igw", name), &ec2.InternetGatewayArgs{
		VpcId: vpc.ID(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-igw", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create one public and one private subnet per availability zone
	network := &Network{Vpc: vpc}
	for i, az := range names {
		publicSubnet, err := ec2.NewSubnet(ctx, fmt.Sprintf("%s-public-%d", name, i+1), &ec2.SubnetArgs{
			VpcId:               vpc.ID(),
			CidrBlock:           pulumi.String(fmt.Sprintf("10.0.%d.0/24", i)),
			AvailabilityZone:    pulumi.String(az),
			MapPublicIpOnLaunch: pulumi.Bool(true),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-public-%d", name, i+1)),
			},
		})
		if err != nil {
			return nil, err
		}
		network.PublicSubnets = append(network.PublicSubnets, publicSubnet)

		privateSubnet, err := ec2.NewSubnet(ctx, fmt.Sprintf("%s-private-%d", name, i+1), &ec2.SubnetArgs{
			VpcId:            vpc.ID(),
			CidrBlock:        pulumi.String(fmt.Sprintf("10.0.%d.0/24", i+8)),
			AvailabilityZone: pulumi.String(az),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(fmt.Sprintf("%s-private-%d", name, i+1)),
			},
		})
		if err != nil {
			return nil, err
		}
		network.PrivateSubnets = append(network.PrivateSubnets, privateSubnet)
	}

	// Create a single NAT gateway in the first public subnet
	natEip, err := ec2.NewEip(ctx, fmt.Sprintf("%s-nat-eip", name), &ec2.EipArgs{
		Vpc: pulumi.Bool(true),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-nat-eip", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	natGateway, err := ec2.NewNatGateway(ctx, fmt.Sprintf("%s-nat", name), &ec2.NatGatewayArgs{
		AllocationId: natEip.ID(),
		SubnetId:     network.PublicSubnets[0].ID(),
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-nat", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create public route table
	publicRouteTable, err := ec2.NewRouteTable(ctx, fmt.Sprintf("%s-public-rt", name), &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock: pulumi.String("0.0.0.0/0"),
				GatewayId: igw.ID(),
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-public-rt", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Create private route table routing egress through the NAT gateway
	privateRouteTable, err := ec2.NewRouteTable(ctx, fmt.Sprintf("%s-private-rt", name), &ec2.RouteTableArgs{
		VpcId: vpc.ID(),
		Routes: ec2.RouteTableRouteArray{
			&ec2.RouteTableRouteArgs{
				CidrBlock:    pulumi.String("0.0.0.0/0"),
				NatGatewayId: natGateway.ID(),
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(fmt.Sprintf("%s-private-rt", name)),
		},
	})
	if err != nil {
		return nil, err
	}

	// Associate subnets with their route tables
	for i, subnet := range network.PublicSubnets {
		_, err = ec2.NewRouteTableAssociation(ctx, fmt.Sprintf("%s-public-rt-assoc-%d", name, i+1), &ec2.RouteTableAssociationArgs{
			SubnetId:     subnet.ID(),
			RouteTableId: publicRouteTable.ID(),
		})
		if err != nil {
			return nil, err
		}
	}
	for i, subnet := range network.PrivateSubnets {
		_, err = ec2.NewRouteTableAssociation(ctx, fmt.Sprintf("%s-private-rt-assoc-%d", name, i+1), &ec2.RouteTableAssociationArgs{
			SubnetId:     subnet.ID(),
			RouteTableId: privateRouteTable.ID(),
		})
		if err != nil {
			return nil, err
		}
	}

	return network, nil
}
